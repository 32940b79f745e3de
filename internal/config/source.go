package config

import "strings"

// Source names where model weights come from. Three construction modes
// exist: an explicit network Config (fresh initialisation), separate
// pretrained encoder and decoder names, or one combined encoder-decoder
// name (a pretrained combined model, or a directory holding encoder/ and
// decoder/ subdirectories).
type Source struct {
	EncoderType        string
	EncoderName        string
	DecoderName        string
	EncoderDecoderType string
	EncoderDecoderName string

	// Config holds network dimensions keyed like the model's config.json.
	Config Overrides
}

// Validate rejects sources that do not describe any construction mode.
func (s Source) Validate() error {
	if s.Config != nil {
		return nil
	}
	if !(s.EncoderName != "" && s.DecoderName != "") && s.EncoderDecoderName == "" {
		return Errorf("need a model config, or encoder_type with encoder_name and decoder_name, or encoder_decoder_type with encoder_decoder_name")
	}
	if s.EncoderType == "" && s.EncoderDecoderType == "" {
		return Errorf("need encoder_type or encoder_decoder_type alongside the model names")
	}
	return nil
}

// TypeKey is the architecture key that selects loader bindings.
func (s Source) TypeKey() string {
	if s.EncoderDecoderType != "" {
		return s.EncoderDecoderType
	}
	if s.EncoderType != "" {
		return s.EncoderType
	}
	return "auto"
}

// ModelName is the name recorded in Args.ModelName. For a combined name
// this is also the directory resume detection inspects.
func (s Source) ModelName() string {
	switch {
	case s.EncoderDecoderName != "":
		return s.EncoderDecoderName
	case s.EncoderName != "" && s.DecoderName != "":
		return s.EncoderName + "-" + s.DecoderName
	default:
		return "encoder-decoder"
	}
}

// ModelType is the type recorded in Args.ModelType.
func (s Source) ModelType() string {
	switch {
	case s.EncoderDecoderType != "":
		return strings.ToLower(s.EncoderDecoderType)
	case s.EncoderType != "":
		return strings.ToLower(s.EncoderType) + "-bert"
	default:
		return "encoder-decoder"
	}
}

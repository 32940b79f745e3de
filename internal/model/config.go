package model

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/born-ml/seq2seq/internal/arch"
	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// Config is the network shape, stored as config.json next to the
// weights. Field names follow Hugging Face encoder-decoder configs so a
// pretrained config.json fills in what it can.
type Config struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	DecoderVocabSize      int     `json:"decoder_vocab_size"`
	DModel                int     `json:"d_model"`
	EncoderLayers         int     `json:"encoder_layers"`
	DecoderLayers         int     `json:"decoder_layers"`
	AttentionHeads        int     `json:"encoder_attention_heads"`
	FFNDim                int     `json:"encoder_ffn_dim"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	LayerNormEps          float32 `json:"layer_norm_eps"`
	SharedEmbeddings      bool    `json:"tie_word_embeddings"`

	// BERT-style names, read from encoder configs and folded into the
	// fields above.
	HiddenSize        int `json:"hidden_size,omitempty"`
	NumHiddenLayers   int `json:"num_hidden_layers,omitempty"`
	NumAttentionHeads int `json:"num_attention_heads,omitempty"`
	IntermediateSize  int `json:"intermediate_size,omitempty"`
}

// DefaultConfig sizes a fresh network for an architecture.
func DefaultConfig(a arch.Arch) Config {
	d := a.DefaultDims()
	return Config{
		ModelType:             a.String(),
		DModel:                d.DModel,
		EncoderLayers:         d.EncoderLayers,
		DecoderLayers:         d.DecoderLayers,
		AttentionHeads:        d.NumHeads,
		FFNDim:                d.FFNDim,
		MaxPositionEmbeddings: d.MaxPositions,
		LayerNormEps:          1e-5,
		SharedEmbeddings:      a.Combined(),
	}
}

// normalize folds aliases into the canonical fields and drops them.
func (c *Config) normalize() {
	if c.DModel == 0 {
		c.DModel = c.HiddenSize
	}
	if c.EncoderLayers == 0 {
		c.EncoderLayers = c.NumHiddenLayers
	}
	if c.DecoderLayers == 0 {
		c.DecoderLayers = c.NumHiddenLayers
	}
	if c.AttentionHeads == 0 {
		c.AttentionHeads = c.NumAttentionHeads
	}
	if c.FFNDim == 0 {
		c.FFNDim = c.IntermediateSize
	}
	c.HiddenSize, c.NumHiddenLayers, c.NumAttentionHeads, c.IntermediateSize = 0, 0, 0, 0
}

// overlay applies keys from a config.json document or an overrides map.
func (c *Config) overlay(data []byte) error {
	var layer Config
	if err := json.Unmarshal(data, &layer); err != nil {
		return err
	}
	layer.normalize()
	var present map[string]json.RawMessage
	if err := json.Unmarshal(data, &present); err != nil {
		return err
	}
	has := func(keys ...string) bool {
		for _, k := range keys {
			if _, ok := present[k]; ok {
				return true
			}
		}
		return false
	}
	if has("model_type") && layer.ModelType != "" {
		c.ModelType = layer.ModelType
	}
	if has("vocab_size") {
		c.VocabSize = layer.VocabSize
	}
	if has("decoder_vocab_size") {
		c.DecoderVocabSize = layer.DecoderVocabSize
	}
	if has("d_model", "hidden_size") {
		c.DModel = layer.DModel
	}
	if has("encoder_layers", "num_hidden_layers") {
		c.EncoderLayers = layer.EncoderLayers
	}
	if has("decoder_layers", "num_hidden_layers") {
		c.DecoderLayers = layer.DecoderLayers
	}
	if has("encoder_attention_heads", "num_attention_heads") {
		c.AttentionHeads = layer.AttentionHeads
	}
	if has("encoder_ffn_dim", "intermediate_size") {
		c.FFNDim = layer.FFNDim
	}
	if has("max_position_embeddings") {
		c.MaxPositionEmbeddings = layer.MaxPositionEmbeddings
	}
	if has("layer_norm_eps") {
		c.LayerNormEps = layer.LayerNormEps
	}
	if has("tie_word_embeddings") {
		c.SharedEmbeddings = layer.SharedEmbeddings
	}
	return nil
}

// applyOverrides layers caller supplied keys onto c.
func (c *Config) applyOverrides(o config.Overrides) error {
	if len(o) == 0 {
		return nil
	}
	data, err := json.Marshal(map[string]any(o))
	if err != nil {
		return config.Errorf("model config: %v", err)
	}
	if err := c.overlay(data); err != nil {
		return config.Errorf("model config: %v", err)
	}
	return nil
}

// readConfigFile overlays dir/config.json when present.
func (c *Config) readConfigFile(dir string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(dir, checkpoint.ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, config.Resource("read model config", err)
	}
	if err := c.overlay(data); err != nil {
		return false, config.Resource("parse "+filepath.Join(dir, checkpoint.ConfigFile), err)
	}
	return true, nil
}

func (c Config) validate() error {
	switch {
	case c.DModel <= 0 || c.AttentionHeads <= 0:
		return config.Errorf("model config: d_model and encoder_attention_heads must be positive")
	case c.DModel%c.AttentionHeads != 0:
		return config.Errorf("model config: d_model %d is not divisible by %d attention heads", c.DModel, c.AttentionHeads)
	case c.EncoderLayers < 1 || c.DecoderLayers < 1:
		return config.Errorf("model config: need at least one encoder and one decoder layer")
	case c.FFNDim <= 0 || c.MaxPositionEmbeddings <= 0:
		return config.Errorf("model config: encoder_ffn_dim and max_position_embeddings must be positive")
	case c.VocabSize <= 0 || c.DecoderVocabSize <= 0:
		return config.Errorf("model config: vocabulary sizes must be positive")
	case c.SharedEmbeddings && c.VocabSize != c.DecoderVocabSize:
		return config.Errorf("model config: shared embeddings need equal encoder and decoder vocabularies")
	}
	return nil
}

func (c Config) write(dir string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, checkpoint.ConfigFile), data, 0o600); err != nil {
		return config.Resource("write model config", err)
	}
	return nil
}

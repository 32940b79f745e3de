// Package arch is the closed set of supported model architectures.
//
// Each variant carries its own bindings: whether weights form a single
// combined network, which tokenizer family reads its vocabulary, and the
// network dimensions used when a model is initialised from scratch.
package arch

import (
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
)

// Arch is a supported architecture.
type Arch int

// Supported architectures.
const (
	Auto Arch = iota
	BERT
	RoBERTa
	DistilBERT
	CamemBERT
	ELECTRA
	BART
)

// Dims are the network sizes used for fresh initialisation.
type Dims struct {
	DModel        int
	NumHeads      int
	EncoderLayers int
	DecoderLayers int
	FFNDim        int
	MaxPositions  int
}

type binding struct {
	key      string
	combined bool
	// tokenizerFamily is the key whose tokenizer files the encoder uses.
	tokenizerFamily string
	dims            Dims
}

var bindings = map[Arch]binding{
	Auto:       {key: "auto", tokenizerFamily: "bert", dims: baseDims},
	BERT:       {key: "bert", tokenizerFamily: "bert", dims: baseDims},
	RoBERTa:    {key: "roberta", tokenizerFamily: "roberta", dims: baseDims},
	DistilBERT: {key: "distilbert", tokenizerFamily: "bert", dims: Dims{DModel: 768, NumHeads: 12, EncoderLayers: 6, DecoderLayers: 6, FFNDim: 3072, MaxPositions: 512}},
	CamemBERT:  {key: "camembert", tokenizerFamily: "camembert", dims: baseDims},
	ELECTRA:    {key: "electra", tokenizerFamily: "bert", dims: Dims{DModel: 256, NumHeads: 4, EncoderLayers: 12, DecoderLayers: 12, FFNDim: 1024, MaxPositions: 512}},
	BART:       {key: "bart", combined: true, tokenizerFamily: "bart", dims: Dims{DModel: 768, NumHeads: 12, EncoderLayers: 6, DecoderLayers: 6, FFNDim: 3072, MaxPositions: 1024}},
}

var baseDims = Dims{DModel: 768, NumHeads: 12, EncoderLayers: 12, DecoderLayers: 12, FFNDim: 3072, MaxPositions: 512}

// All returns every architecture in declaration order.
func All() []Arch {
	return []Arch{Auto, BERT, RoBERTa, DistilBERT, CamemBERT, ELECTRA, BART}
}

// Parse resolves a model type key. Unknown keys are configuration errors.
func Parse(key string) (Arch, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, a := range All() {
		if bindings[a].key == k {
			return a, nil
		}
	}
	return Auto, config.Errorf("unknown model type %q (expected one of %s)", key, strings.Join(Keys(), ", "))
}

// Keys lists the accepted type keys.
func Keys() []string {
	keys := make([]string, 0, len(bindings))
	for _, a := range All() {
		keys = append(keys, bindings[a].key)
	}
	return keys
}

func (a Arch) String() string {
	if b, ok := bindings[a]; ok {
		return b.key
	}
	return "unknown"
}

// Combined reports whether encoder and decoder are saved as one network
// in one directory rather than encoder/ and decoder/ halves.
func (a Arch) Combined() bool {
	return bindings[a].combined
}

// EncoderTokenizer is the tokenizer family for source text.
func (a Arch) EncoderTokenizer() string {
	return bindings[a].tokenizerFamily
}

// DecoderTokenizer is the tokenizer family for target text. Split
// encoder-decoder models always decode with a BERT-family vocabulary.
func (a Arch) DecoderTokenizer() string {
	if a.Combined() {
		return bindings[a].tokenizerFamily
	}
	return "bert"
}

// DefaultDims returns the dimensions used for fresh initialisation.
func (a Arch) DefaultDims() Dims {
	return bindings[a].dims
}

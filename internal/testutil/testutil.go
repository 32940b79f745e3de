// Package testutil holds fixtures shared by package tests: a tiny
// character vocabulary and a model source small enough to train in a
// unit test.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

// Letters is the vocabulary of WriteCharVocab, ids 4 to 29 in order.
const Letters = "abcdefghijklmnopqrstuvwxyz"

// WriteCharVocab writes a BPE tokenizer.json into dir whose vocabulary
// is single lowercase letters plus BART-style special tokens:
// <s>=0 <pad>=1 </s>=2 <unk>=3.
func WriteCharVocab(t testing.TB, dir string) {
	t.Helper()
	vocab := map[string]int{"<s>": 0, "<pad>": 1, "</s>": 2, "<unk>": 3}
	for i, r := range Letters {
		vocab[string(r)] = 4 + i
	}
	doc := map[string]any{
		"model": map[string]any{"type": "BPE", "vocab": vocab, "merges": []string{}},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<s>", "special": true},
			{"id": 1, "content": "<pad>", "special": true},
			{"id": 2, "content": "</s>", "special": true},
			{"id": 3, "content": "<unk>", "special": true},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0o600))
}

// TinyDims is a network configuration that runs in milliseconds.
func TinyDims() config.Overrides {
	return config.Overrides{
		"d_model":                 8,
		"encoder_layers":          1,
		"decoder_layers":          1,
		"encoder_attention_heads": 2,
		"encoder_ffn_dim":         16,
		"max_position_embeddings": 32,
	}
}

// TinyBART returns a combined-architecture source over a fresh
// character vocabulary directory.
func TinyBART(t testing.TB) config.Source {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "tiny-bart")
	WriteCharVocab(t, dir)
	return config.Source{EncoderDecoderType: "bart", EncoderDecoderName: dir, Config: TinyDims()}
}

// SeededArgs returns default arguments with a fixed seed.
func SeededArgs(seed int64) config.Args {
	a := config.Defaults()
	a.ManualSeed = &seed
	return a
}

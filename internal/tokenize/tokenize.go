// Package tokenize loads the encoder and decoder vocabularies and pins
// down the special token ids the model relies on.
//
// A tokenizer directory holds either a Hugging Face tokenizer.json
// (read through Born's loader) or a tokenizer_settings.json naming a
// tiktoken encoding. tokenizer_settings.json always wins for special
// ids, so a saved checkpoint reloads with exactly the ids it trained on.
package tokenize

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/born/tokenizer"
	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// File names inside a tokenizer directory.
const (
	HFFile       = "tokenizer.json"
	SettingsFile = "tokenizer_settings.json"
)

// Specials are the token ids with structural meaning. -1 means absent.
type Specials struct {
	Pad          int32 `json:"pad_token_id"`
	EOS          int32 `json:"eos_token_id"`
	BOS          int32 `json:"bos_token_id"`
	Unk          int32 `json:"unk_token_id"`
	DecoderStart int32 `json:"decoder_start_token_id"`
}

type settings struct {
	Family   string `json:"family"`
	Encoding string `json:"tiktoken_encoding,omitempty"`
	Specials
}

// Tokenizer is a vocabulary with resolved special ids.
type Tokenizer struct {
	inner    tokenizer.Tokenizer
	family   string
	encoding string
	specials Specials
	hfJSON   []byte
}

type familyNames struct{ pad, eos, bos, unk string }

var families = map[string]familyNames{
	"bert":      {pad: "[PAD]", eos: "[SEP]", bos: "[CLS]", unk: "[UNK]"},
	"roberta":   {pad: "<pad>", eos: "</s>", bos: "<s>", unk: "<unk>"},
	"camembert": {pad: "<pad>", eos: "</s>", bos: "<s>", unk: "<unk>"},
	"bart":      {pad: "<pad>", eos: "</s>", bos: "<s>", unk: "<unk>"},
}

// Load reads the tokenizer stored in dir. family selects the special
// token spellings ("bert", "roberta", "camembert", "bart").
func Load(dir, family string) (*Tokenizer, error) {
	var st *settings
	data, err := os.ReadFile(filepath.Join(dir, SettingsFile)) //nolint:gosec // model directory chosen by the operator
	switch {
	case err == nil:
		st = &settings{}
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", config.ErrConfig, SettingsFile, err)
		}
		if st.Family != "" {
			family = st.Family
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, config.Resource("read tokenizer settings", err)
	}

	if st != nil && st.Encoding != "" {
		tk, err := NewTikToken(st.Encoding)
		if err != nil {
			return nil, err
		}
		tk.family = family
		tk.specials = st.Specials
		return tk, nil
	}

	hf, err := os.ReadFile(filepath.Join(dir, HFFile)) //nolint:gosec // model directory chosen by the operator
	if err != nil {
		return nil, config.Resource("read "+HFFile, err)
	}
	inner, err := tokenizer.LoadFromHuggingFace(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: load tokenizer from %s: %w", config.ErrConfig, dir, err)
	}

	t := &Tokenizer{inner: inner, family: family, hfJSON: hf}
	if st != nil {
		t.specials = st.Specials
	} else {
		t.specials, err = resolveSpecials(inner, hf, family)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Wrap adapts any Born tokenizer. Specials are taken from the tokenizer
// itself; a missing pad id falls back to EOS.
func Wrap(inner tokenizer.Tokenizer, family string) (*Tokenizer, error) {
	s := Specials{Pad: inner.PadToken(), EOS: inner.EosToken(), BOS: inner.BosToken(), Unk: inner.UnkToken()}
	if s.Pad < 0 {
		s.Pad = s.EOS
	}
	if s.Pad < 0 || s.EOS < 0 {
		return nil, config.Errorf("tokenizer has no end-of-sequence token")
	}
	s.DecoderStart = decoderStart(family, s)
	return &Tokenizer{inner: inner, family: family, specials: s}, nil
}

func resolveSpecials(inner tokenizer.Tokenizer, hf []byte, family string) (Specials, error) {
	s := Specials{Pad: inner.PadToken(), EOS: inner.EosToken(), BOS: inner.BosToken(), Unk: inner.UnkToken()}

	var doc struct {
		AddedTokens []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(hf, &doc); err != nil {
		return Specials{}, fmt.Errorf("%w: parse %s: %w", config.ErrConfig, HFFile, err)
	}
	names, ok := families[family]
	if !ok {
		return Specials{}, config.Errorf("unknown tokenizer family %q", family)
	}
	for _, tok := range doc.AddedTokens {
		switch tok.Content {
		case names.pad:
			s.Pad = tok.ID
		case names.eos:
			s.EOS = tok.ID
		case names.bos:
			s.BOS = tok.ID
		case names.unk:
			s.Unk = tok.ID
		}
	}
	if s.EOS < 0 {
		return Specials{}, config.Errorf("tokenizer defines no %s token", names.eos)
	}
	if s.Pad < 0 {
		return Specials{}, config.Errorf("tokenizer defines no %s token", names.pad)
	}
	s.DecoderStart = decoderStart(family, s)
	return s, nil
}

// BART starts decoding from </s>; BERT-style decoders start from the
// pad token.
func decoderStart(family string, s Specials) int32 {
	if family == "bart" {
		return s.EOS
	}
	return s.Pad
}

// Family is the special-token family.
func (t *Tokenizer) Family() string { return t.family }

// Specials returns the resolved special ids.
func (t *Tokenizer) Specials() Specials { return t.specials }

// VocabSize is the number of ids the model must embed.
func (t *Tokenizer) VocabSize() int {
	n := t.inner.VocabSize()
	for _, id := range []int32{t.specials.Pad, t.specials.EOS, t.specials.BOS, t.specials.Unk, t.specials.DecoderStart} {
		if int(id) >= n {
			n = int(id) + 1
		}
	}
	return n
}

// Encode tokenizes text without adding special tokens.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	return t.inner.Encode(text)
}

// EncodeSequence returns [bos] ids [eos], truncating content so the
// result is at most maxLen ids long.
func (t *Tokenizer) EncodeSequence(text string, maxLen int) ([]int32, error) {
	ids, err := t.inner.Encode(text)
	if err != nil {
		return nil, err
	}
	room := maxLen - 1
	if t.specials.BOS >= 0 {
		room--
	}
	if room < 0 {
		room = 0
	}
	if len(ids) > room {
		ids = ids[:room]
	}
	out := make([]int32, 0, len(ids)+2)
	if t.specials.BOS >= 0 {
		out = append(out, t.specials.BOS)
	}
	out = append(out, ids...)
	return append(out, t.specials.EOS), nil
}

// EncodeTarget returns ids [eos], truncated to maxLen ids.
func (t *Tokenizer) EncodeTarget(text string, maxLen int) ([]int32, error) {
	ids, err := t.inner.Encode(text)
	if err != nil {
		return nil, err
	}
	if len(ids) > maxLen-1 {
		ids = ids[:maxLen-1]
	}
	return append(ids, t.specials.EOS), nil
}

// IsSpecial reports whether id is structural rather than text.
func (t *Tokenizer) IsSpecial(id int32) bool {
	s := t.specials
	switch id {
	case s.Pad, s.EOS, s.BOS, s.DecoderStart:
		return id >= 0
	}
	return t.inner.IsSpecialToken(id)
}

// Decode turns ids back into text. With skipSpecial, pad, start and
// end markers are dropped first. Word-boundary markers used by byte
// level and sentencepiece vocabularies are rendered as spaces.
func (t *Tokenizer) Decode(ids []int32, skipSpecial bool) (string, error) {
	keep := ids
	if skipSpecial {
		keep = make([]int32, 0, len(ids))
		for _, id := range ids {
			if !t.IsSpecial(id) {
				keep = append(keep, id)
			}
		}
	}
	text, err := t.inner.Decode(keep)
	if err != nil {
		return "", err
	}
	return cleanUp(text), nil
}

var markerReplacer = strings.NewReplacer("Ġ", " ", "▁", " ", "Ċ", "\n")

func cleanUp(s string) string {
	s = markerReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	for _, p := range []string{".", ",", "!", "?", "'s", "n't"} {
		s = strings.ReplaceAll(s, " "+p, p)
	}
	return s
}

// Save writes the files Load needs to rebuild this tokenizer into dir.
func (t *Tokenizer) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return config.Resource("create tokenizer dir", err)
	}
	st := settings{Family: t.family, Encoding: t.encoding, Specials: t.specials}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, SettingsFile), data, 0o600); err != nil {
		return config.Resource("write tokenizer settings", err)
	}
	if t.hfJSON != nil {
		if err := os.WriteFile(filepath.Join(dir, HFFile), t.hfJSON, 0o600); err != nil {
			return config.Resource("write "+HFFile, err)
		}
	}
	return nil
}

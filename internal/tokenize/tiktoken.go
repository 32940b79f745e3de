package tokenize

import (
	"fmt"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/pkoukk/tiktoken-go"
)

// tiktoken encodings have an end-of-text token but no pad or start
// token, so two ids are appended past the encoding's vocabulary.
type encodingInfo struct {
	endOfText int32
	size      int32
}

var encodings = map[string]encodingInfo{
	"r50k_base":   {endOfText: 50256, size: 50257},
	"p50k_base":   {endOfText: 50256, size: 50281},
	"cl100k_base": {endOfText: 100257, size: 100277},
}

// tikToken adapts a tiktoken encoding to Born's tokenizer interface.
type tikToken struct {
	enc  *tiktoken.Tiktoken
	info encodingInfo
}

// NewTikToken builds a tokenizer over a named tiktoken encoding with
// pad = size and decoder start = size+1.
func NewTikToken(encoding string) (*Tokenizer, error) {
	info, ok := encodings[encoding]
	if !ok {
		return nil, config.Errorf("unsupported tiktoken encoding %q", encoding)
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, config.Resource(fmt.Sprintf("load tiktoken encoding %q", encoding), err)
	}
	inner := &tikToken{enc: enc, info: info}
	return &Tokenizer{
		inner:    inner,
		family:   "bart",
		encoding: encoding,
		specials: Specials{
			Pad:          info.size,
			EOS:          info.endOfText,
			BOS:          -1,
			Unk:          -1,
			DecoderStart: info.size + 1,
		},
	}, nil
}

func (t *tikToken) Encode(text string) ([]int32, error) {
	raw := t.enc.Encode(text, nil, nil)
	ids := make([]int32, len(raw))
	for i, id := range raw {
		ids[i] = int32(id) //nolint:gosec // vocabulary ids fit in int32
	}
	return ids, nil
}

func (t *tikToken) Decode(ids []int32) (string, error) {
	raw := make([]int, 0, len(ids))
	for _, id := range ids {
		// The appended pad/start ids are unknown to the encoding.
		if id >= 0 && id < t.info.size {
			raw = append(raw, int(id))
		}
	}
	return t.enc.Decode(raw), nil
}

func (t *tikToken) VocabSize() int    { return int(t.info.size) + 2 }
func (t *tikToken) BosToken() int32   { return -1 }
func (t *tikToken) EosToken() int32   { return t.info.endOfText }
func (t *tikToken) PadToken() int32   { return t.info.size }
func (t *tikToken) UnkToken() int32   { return -1 }
func (t *tikToken) IsSpecialToken(id int32) bool {
	return id == t.info.endOfText || id >= t.info.size
}

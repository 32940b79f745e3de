package tokenize

import (
	"path/filepath"
	"testing"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCharVocab(t *testing.T, dir string) {
	t.Helper()
	testutil.WriteCharVocab(t, dir)
}

func TestLoadResolvesFamilySpecials(t *testing.T) {
	dir := t.TempDir()
	writeCharVocab(t, dir)

	tok, err := Load(dir, "bart")
	require.NoError(t, err)

	s := tok.Specials()
	assert.Equal(t, Specials{Pad: 1, EOS: 2, BOS: 0, Unk: 3, DecoderStart: 2}, s)
	assert.Equal(t, 30, tok.VocabSize())

	roberta, err := Load(dir, "roberta")
	require.NoError(t, err)
	assert.Equal(t, int32(1), roberta.Specials().DecoderStart, "non-BART decoders start from pad")
}

func TestEncodeSequenceTruncates(t *testing.T) {
	dir := t.TempDir()
	writeCharVocab(t, dir)
	tok, err := Load(dir, "bart")
	require.NoError(t, err)

	ids, err := tok.EncodeSequence("abcdef", 5)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 4, 5, 6, 2}, ids)

	target, err := tok.EncodeTarget("abcdef", 3)
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 5, 2}, target)
}

func TestDecodeSkipsSpecials(t *testing.T) {
	dir := t.TempDir()
	writeCharVocab(t, dir)
	tok, err := Load(dir, "bart")
	require.NoError(t, err)

	text, err := tok.Decode([]int32{0, 7, 8, 2, 1, 1}, true)
	require.NoError(t, err)
	assert.Equal(t, "de", text)
}

func TestSaveReloadKeepsSpecials(t *testing.T) {
	src := t.TempDir()
	writeCharVocab(t, src)
	tok, err := Load(src, "roberta")
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "decoder")
	require.NoError(t, tok.Save(dst))

	back, err := Load(dst, "bert")
	require.NoError(t, err)
	assert.Equal(t, tok.Specials(), back.Specials())
	assert.Equal(t, "roberta", back.Family(), "saved family wins over the caller's")
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(t.TempDir(), "bart")
	require.ErrorIs(t, err, config.ErrResource)

	dir := t.TempDir()
	writeCharVocab(t, dir)
	_, err = Load(dir, "t5")
	require.ErrorIs(t, err, config.ErrConfig)

	bert, err := Load(dir, "bert")
	require.NoError(t, err, "falls back to the ids Born detected")
	assert.Equal(t, int32(2), bert.Specials().EOS)

	_, err = NewTikToken("o9000")
	require.ErrorIs(t, err, config.ErrConfig)
}

func TestCleanUp(t *testing.T) {
	assert.Equal(t, "hello world.", cleanUp("Ġhello  Ġworld ."))
	assert.Equal(t, "it's", cleanUp("▁it 's"))
}

func TestTikTokenSpecials(t *testing.T) {
	tok, err := NewTikToken("r50k_base")
	if err != nil {
		t.Skipf("tiktoken encoding unavailable offline: %v", err)
	}
	s := tok.Specials()
	assert.Equal(t, int32(50256), s.EOS)
	assert.Equal(t, int32(50257), s.Pad)
	assert.Equal(t, int32(50258), s.DecoderStart)
	assert.Equal(t, 50259, tok.VocabSize())

	ids, err := tok.EncodeSequence("hello world", 16)
	require.NoError(t, err)
	text, err := tok.Decode(append(ids, s.Pad, s.Pad), true)
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

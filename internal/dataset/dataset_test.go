package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadFormats(t *testing.T) {
	want := []Example{
		{Prefix: "sum", InputText: "a long text", TargetText: "short"},
		{Prefix: "", InputText: "x, y", TargetText: "z"},
	}

	csvPath := writeFile(t, "train.csv", "target_text,prefix,input_text\nshort,sum,a long text\nz,,\"x, y\"\n")
	got, err := Read(csvPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	tsvPath := writeFile(t, "train.tsv", "prefix\tinput_text\ttarget_text\nsum\ta long text\tshort\n\tx, y\tz\n")
	got, err = Read(tsvPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	jsonlPath := writeFile(t, "train.jsonl", `{"prefix":"sum","input_text":"a long text","target_text":"short"}

{"prefix":"","input_text":"x, y","target_text":"z"}
`)
	got, err = Read(jsonlPath)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadMissingFields(t *testing.T) {
	_, err := Read(writeFile(t, "a.csv", "prefix,input_text\nx,y\n"))
	require.ErrorIs(t, err, config.ErrInput)
	assert.Contains(t, err.Error(), "target_text")

	_, err = Read(writeFile(t, "b.jsonl", `{"prefix":"p","input_text":"i"}`+"\n"))
	require.ErrorIs(t, err, config.ErrInput)
	assert.Contains(t, err.Error(), "line 1")

	_, err = Read(writeFile(t, "c.jsonl", `{"prefix":"p","input_text":null,"target_text":"t"}`+"\n"))
	require.ErrorIs(t, err, config.ErrInput)

	_, err = Read(writeFile(t, "d.parquet", "x"))
	require.ErrorIs(t, err, config.ErrInput)

	_, err = Read(filepath.Join(t.TempDir(), "missing.csv"))
	require.ErrorIs(t, err, config.ErrResource)
}

func TestSourceText(t *testing.T) {
	ex := Example{Prefix: "translate", InputText: "hello"}
	assert.Equal(t, "translate: hello", ex.SourceText(true))
	assert.Equal(t, "hello", ex.SourceText(false))
	assert.Equal(t, "hello", Example{InputText: "hello"}.SourceText(true))
}

func TestReadLines(t *testing.T) {
	lines, err := ReadLines(strings.NewReader("one\r\n\n  \ntwo words\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two words"}, lines)
}

type countingEncoder struct{ calls int }

func (c *countingEncoder) EncodeSequence(text string, maxLen int) ([]int32, error) {
	c.calls++
	return []int32{int32(len(text)), int32(maxLen)}, nil
}

func (c *countingEncoder) EncodeTarget(text string, _ int) ([]int32, error) {
	c.calls++
	return []int32{int32(len(text))}, nil
}

func TestBuildUsesCache(t *testing.T) {
	examples := []Example{{Prefix: "p", InputText: "abc", TargetText: "de"}}
	opts := Options{Mode: ModeTrain, ModelType: "bart", MaxSeqLength: 16, WithPrefix: true, CacheDir: t.TempDir()}

	enc := &countingEncoder{}
	ds, err := Build(examples, enc, enc, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []Encoded{{Source: []int32{6, 16}, Target: []int32{2}}}, ds.Encoded)
	assert.Equal(t, 2, enc.calls)
	assert.FileExists(t, filepath.Join(opts.CacheDir, "cached_train_bart_16_1"))

	again := &countingEncoder{}
	ds, err = Build(examples, again, again, opts, nil)
	require.NoError(t, err)
	assert.Zero(t, again.calls, "cached encodings are reused")
	assert.Equal(t, []int32{6, 16}, ds.Encoded[0].Source)

	opts.Reprocess = true
	_, err = Build(examples, again, again, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, again.calls)

	opts.Mode = ModeDev
	opts.UseCachedEval = true
	devOnly := &countingEncoder{}
	_, err = Build(examples, devOnly, devOnly, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, devOnly.calls, "first dev build has nothing cached yet")
	_, err = Build(examples, devOnly, devOnly, opts, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, devOnly.calls, "use_cached_eval_features wins over reprocess")
}

func TestBuildNoCache(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Mode: ModeTrain, MaxSeqLength: 8, CacheDir: dir, NoCache: true}
	_, err := Build([]Example{{InputText: "a", TargetText: "b"}}, &countingEncoder{}, &countingEncoder{}, opts, nil)
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func encodedN(n int) []Encoded {
	out := make([]Encoded, n)
	for i := range out {
		out[i] = Encoded{Source: []int32{int32(i)}, Target: []int32{int32(100 + i)}}
	}
	return out
}

func TestLoaderSequential(t *testing.T) {
	l := NewLoader(encodedN(5), 2, false, 0)
	assert.Equal(t, 3, l.Len())

	batches := l.Epoch(0)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{0, 1}, batches[0].Index)
	assert.Equal(t, []int{4}, batches[2].Index)
	assert.Equal(t, [][]int32{{4}}, batches[2].Source)
	assert.Equal(t, [][]int32{{104}}, batches[2].Target)
	assert.Equal(t, 1, batches[2].Size())
}

func TestLoaderShuffleIsReproducible(t *testing.T) {
	a := NewLoader(encodedN(50), 4, true, 42)
	b := NewLoader(encodedN(50), 4, true, 42)

	assert.Equal(t, a.Order(3), b.Order(3), "same seed and epoch give the same order")
	assert.NotEqual(t, a.Order(0), a.Order(1), "epochs are shuffled differently")

	seen := map[int]bool{}
	for _, batch := range a.Epoch(2) {
		for _, i := range batch.Index {
			seen[i] = true
		}
	}
	assert.Len(t, seen, 50, "every example is visited once per epoch")
}

package predict

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runes encodes each byte as its value, decodes the reverse, and
// "generates" by reversing each row.
type runes struct {
	batches []int
	opts    model.GenerateOptions
	fail    bool
}

func (r *runes) EncodeSequence(text string, maxLen int) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int32(b))
	}
	if len(ids) > maxLen {
		ids = ids[:maxLen]
	}
	return ids, nil
}

func (r *runes) Decode(ids []int32, skipSpecial bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if skipSpecial && id == '#' {
			continue
		}
		sb.WriteByte(byte(id))
	}
	return sb.String(), nil
}

func (r *runes) Generate(src [][]int32, opts model.GenerateOptions) ([][]int32, error) {
	if r.fail {
		return nil, errors.New("boom")
	}
	r.batches = append(r.batches, len(src))
	r.opts = opts
	out := make([][]int32, len(src))
	for i, row := range src {
		rev := make([]int32, 0, len(row)+1)
		for j := len(row) - 1; j >= 0; j-- {
			rev = append(rev, row[j])
		}
		out[i] = append(rev, '#')
	}
	return out, nil
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func TestPredictPreservesOrder(t *testing.T) {
	for _, tc := range []struct{ n, batch int }{{0, 3}, {1, 3}, {7, 3}, {9, 3}, {5, 8}, {4, 1}} {
		t.Run(fmt.Sprintf("n%d_b%d", tc.n, tc.batch), func(t *testing.T) {
			args := config.Defaults()
			args.EvalBatchSize = tc.batch
			r := &runes{}
			inputs := make([]string, tc.n)
			for i := range inputs {
				inputs[i] = fmt.Sprintf("in-%02d", i)
			}

			got, err := New(r, r, r, args, nil).Predict(context.Background(), inputs)
			require.NoError(t, err)
			require.Len(t, got, tc.n)
			for i, in := range inputs {
				assert.Equal(t, reverse(in), got[i])
			}
			for _, size := range r.batches {
				assert.LessOrEqual(t, size, tc.batch)
			}
		})
	}
}

func TestPredictUsesRunSettings(t *testing.T) {
	args := config.Defaults()
	args.MaxSeqLength = 3
	args.MaxLength = 7
	args.NumBeams = 2
	r := &runes{}

	got, err := New(r, r, r, args, nil).Predict(context.Background(), []string{"abcdef"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cba"}, got)
	assert.Equal(t, 7, r.opts.MaxLength)
	assert.Equal(t, 2, r.opts.NumBeams)
}

func TestPredictErrors(t *testing.T) {
	r := &runes{fail: true}
	_, err := New(r, r, r, config.Defaults(), nil).Predict(context.Background(), []string{"a"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(&runes{}, &runes{}, &runes{}, config.Defaults(), nil).Predict(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

package eval

import (
	"context"
	"testing"

	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sizeLoss reports the batch size as the loss.
type sizeLoss struct{ calls int }

func (s *sizeLoss) Loss(b dataset.Batch) (float64, error) {
	s.calls++
	return float64(b.Size()), nil
}

func data(n int) *dataset.Dataset {
	d := &dataset.Dataset{}
	for i := range n {
		d.Examples = append(d.Examples, dataset.Example{Prefix: "p", InputText: string(rune('a' + i)), TargetText: string(rune('A' + i))})
		d.Encoded = append(d.Encoded, dataset.Encoded{Source: []int32{int32(i)}, Target: []int32{int32(i)}})
	}
	return d
}

func TestLossIsMeanOverBatches(t *testing.T) {
	m := &sizeLoss{}
	loss, err := Loss(context.Background(), m, data(5), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, m.calls)
	assert.InDelta(t, (2.0+2+1)/3, loss, 1e-12)

	loss, err = Loss(context.Background(), m, &dataset.Dataset{}, 2)
	require.NoError(t, err)
	assert.Zero(t, loss)
}

func TestRunWritesResults(t *testing.T) {
	dir := t.TempDir()
	args := config.Defaults()
	args.EvalBatchSize = 4

	res, err := Run(context.Background(), Options{Args: args, Data: data(4), Model: &sizeLoss{}, OutputDir: dir})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{LossKey: 4}, res)

	onDisk, err := checkpoint.ReadResults(dir)
	require.NoError(t, err)
	assert.Equal(t, res, onDisk)
}

func TestRunScoresGeneratedText(t *testing.T) {
	args := config.Defaults()
	args.EvaluateGeneratedText = true
	var asked []string
	predict := func(_ context.Context, inputs []string) ([]string, error) {
		asked = inputs
		return []string{"A", "x", "C"}, nil
	}
	exact := func(labels, preds []string) float64 {
		n := 0
		for i := range labels {
			if labels[i] == preds[i] {
				n++
			}
		}
		return float64(n) / float64(len(labels))
	}

	res, err := Run(context.Background(), Options{
		Args:    args,
		Data:    data(3),
		Model:   &sizeLoss{},
		Predict: predict,
		Metrics: map[string]Metric{"exact_match": exact},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p: a", "p: b", "p: c"}, asked)
	assert.InDelta(t, 2.0/3, res["exact_match"], 1e-12)
	assert.Contains(t, res, LossKey)
}

func TestScoreRejectsLengthMismatch(t *testing.T) {
	_, err := Score([]string{"a", "b"}, []string{"a"}, nil)
	assert.ErrorIs(t, err, config.ErrInput)
}

func TestRunNeedsPredictorForGeneratedText(t *testing.T) {
	args := config.Defaults()
	args.EvaluateGeneratedText = true
	_, err := Run(context.Background(), Options{Args: args, Data: data(1), Model: &sizeLoss{}})
	assert.ErrorIs(t, err, config.ErrConfig)
}

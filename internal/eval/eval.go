// Package eval scores a model on held-out data: mean teacher-forced loss
// and, optionally, metrics over generated text.
package eval

import (
	"context"
	"fmt"
	"sort"

	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/logger"
)

// LossKey is the result key of the mean evaluation loss.
const LossKey = "eval_loss"

// Scorer computes the loss of a batch without training on it.
type Scorer interface {
	Loss(b dataset.Batch) (float64, error)
}

// Metric scores predictions against references, index for index.
type Metric func(labels, preds []string) float64

// PredictFunc generates one output per input.
type PredictFunc func(ctx context.Context, inputs []string) ([]string, error)

// Options configures Run.
type Options struct {
	Args    config.Args
	Data    *dataset.Dataset
	Model   Scorer
	Predict PredictFunc
	Metrics map[string]Metric

	// OutputDir receives eval_results.txt; empty skips writing.
	OutputDir string
	Logger    logger.Logger
}

// Run evaluates the model. With evaluate_generated_text it also predicts
// every example's source text and applies each metric to the targets
// and predictions.
func Run(ctx context.Context, opts Options) (map[string]float64, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	loss, err := Loss(ctx, opts.Model, opts.Data, opts.Args.EvalBatchSize)
	if err != nil {
		return nil, err
	}
	results := map[string]float64{LossKey: loss}

	if opts.Args.EvaluateGeneratedText {
		if opts.Predict == nil {
			return nil, config.Errorf("evaluate_generated_text needs a predictor")
		}
		inputs := make([]string, len(opts.Data.Examples))
		labels := make([]string, len(opts.Data.Examples))
		for i, ex := range opts.Data.Examples {
			inputs[i] = ex.SourceText(opts.Args.PreprocessInputs)
			labels[i] = ex.TargetText
		}
		preds, err := opts.Predict(ctx, inputs)
		if err != nil {
			return nil, err
		}
		scores, err := Score(labels, preds, opts.Metrics)
		if err != nil {
			return nil, err
		}
		for k, v := range scores {
			results[k] = v
		}
	}

	if opts.OutputDir != "" {
		if err := checkpoint.Save(opts.OutputDir, checkpoint.Contents{Results: results}); err != nil {
			return nil, err
		}
	}
	log.Info("evaluation done", flatten(results)...)
	return results, nil
}

// Loss is the mean batch loss over data in batches of batchSize. An
// empty dataset has loss 0.
func Loss(ctx context.Context, m Scorer, data *dataset.Dataset, batchSize int) (float64, error) {
	if data == nil || data.Len() == 0 {
		return 0, nil
	}
	batches := dataset.NewLoader(data.Encoded, batchSize, false, 0).Epoch(0)
	var sum float64
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l, err := m.Loss(b)
		if err != nil {
			return 0, err
		}
		sum += l
	}
	return sum / float64(len(batches)), nil
}

// Score applies every metric. labels and preds must be the same length.
func Score(labels, preds []string, metrics map[string]Metric) (map[string]float64, error) {
	if len(labels) != len(preds) {
		return nil, fmt.Errorf("%w: %d references but %d predictions", config.ErrInput, len(labels), len(preds))
	}
	out := make(map[string]float64, len(metrics))
	for name, fn := range metrics {
		out[name] = fn(labels, preds)
	}
	return out, nil
}

func flatten(m map[string]float64) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, m[k])
	}
	return out
}

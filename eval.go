// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package seq2seq

import (
	"context"

	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/eval"
)

// EvalOptions configures EvalModel.
type EvalOptions struct {
	// OutputDir receives eval_results.txt; it defaults to output_dir.
	OutputDir string

	// Metrics are applied to generated text when evaluate_generated_text
	// is set.
	Metrics map[string]Metric

	// Args is applied on top of the model's configuration for this call.
	Args Overrides
}

// EvalModel scores the model on examples. The result always holds
// eval_loss, plus one entry per metric when evaluate_generated_text is
// set, and is written to <output_dir>/eval_results.txt.
//
// Example:
//
//	results, err := model.EvalModel(ctx, dev, seq2seq.EvalOptions{
//	    Args:    seq2seq.Overrides{"evaluate_generated_text": true},
//	    Metrics: map[string]seq2seq.Metric{"exact": exactMatch},
//	})
func (m *Model) EvalModel(ctx context.Context, examples []Example, opts EvalOptions) (map[string]float64, error) {
	args, err := m.withOverrides(opts.Args)
	if err != nil {
		return nil, err
	}
	if opts.OutputDir == "" {
		opts.OutputDir = args.OutputDir
	}
	data, err := m.buildDataset(examples, dataset.ModeDev, args)
	if err != nil {
		return nil, err
	}
	return eval.Run(ctx, eval.Options{
		Args:      args,
		Data:      data,
		Model:     m.net,
		Predict:   m.predictor(args).Predict,
		Metrics:   opts.Metrics,
		OutputDir: opts.OutputDir,
		Logger:    m.log,
	})
}

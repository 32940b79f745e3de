// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package seq2seq

import (
	"context"

	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/eval"
	"github.com/born-ml/seq2seq/internal/tracking"
	"github.com/born-ml/seq2seq/internal/train"
)

// Metric scores predictions against references, index for index.
type Metric = eval.Metric

// TrainResult is the final global step and mean training loss.
type TrainResult = train.Result

// TrainOptions configures TrainModel.
type TrainOptions struct {
	// OutputDir overrides output_dir.
	OutputDir string

	// EvalData is required when evaluate_during_training is set.
	EvalData []Example

	// Metrics are applied to generated text when evaluate_generated_text
	// is set.
	Metrics map[string]Metric

	// Args is applied on top of the model's configuration for this run.
	Args Overrides
}

// TrainModel fine-tunes the model on examples and saves the result to
// output_dir.
//
// Example:
//
//	res, err := model.TrainModel(ctx, train, seq2seq.TrainOptions{
//	    EvalData: dev,
//	    Args:     seq2seq.Overrides{"use_early_stopping": true},
//	})
//	fmt.Println(res.GlobalStep, res.MeanLoss)
func (m *Model) TrainModel(ctx context.Context, examples []Example, opts TrainOptions) (TrainResult, error) {
	args, err := m.withOverrides(opts.Args)
	if err != nil {
		return TrainResult{}, err
	}
	if opts.OutputDir != "" {
		args = args.WithOutputDir(opts.OutputDir)
	}
	if err := train.Check(args, opts.EvalData != nil); err != nil {
		return TrainResult{}, err
	}

	trainSet, err := m.buildDataset(examples, dataset.ModeTrain, args)
	if err != nil {
		return TrainResult{}, err
	}
	loader := dataset.NewLoader(trainSet.Encoded, args.TrainBatchSize, true, args.Seed(0))

	var evaluate train.Evaluator
	if args.EvaluateDuringTraining {
		evalSet, err := m.buildDataset(opts.EvalData, dataset.ModeDev, args)
		if err != nil {
			return TrainResult{}, err
		}
		pred := m.predictor(args)
		evaluate = func(ctx context.Context) (map[string]float64, error) {
			return eval.Run(ctx, eval.Options{
				Args:    args,
				Data:    evalSet,
				Model:   m.net,
				Predict: pred.Predict,
				Metrics: opts.Metrics,
				Logger:  m.log.WithGroup("eval"),
			})
		}
	}

	sink, err := tracking.FromArgs(args)
	if err != nil {
		return TrainResult{}, err
	}
	defer func() { _ = sink.Close() }()

	trainer, err := train.New(m.net, train.Options{
		Args:     args,
		Data:     loader,
		Evaluate: evaluate,
		Sink:     sink,
		Logger:   m.log,
	})
	if err != nil {
		return TrainResult{}, err
	}
	res, err := trainer.Train(ctx)
	if err != nil {
		return res, err
	}
	m.log.Info("training complete", "global_step", res.GlobalStep, "mean_loss", res.MeanLoss, "output_dir", args.OutputDir)
	return res, nil
}

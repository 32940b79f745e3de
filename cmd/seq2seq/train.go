package main

import (
	"context"
	"fmt"

	"github.com/born-ml/seq2seq"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/urfave/cli/v3"
)

func trainCmd() *cli.Command {
	var trainData, evalData string

	return &cli.Command{
		Name:  "train",
		Usage: "Fine-tune a model on a CSV, TSV or JSON Lines file",
		Flags: modelFlags(
			&cli.StringFlag{
				Name:        "train-data",
				Usage:       "training examples (prefix, input_text, target_text)",
				Required:    true,
				Destination: &trainData,
			},
			&cli.StringFlag{
				Name:        "eval-data",
				Usage:       "evaluation examples, required with evaluate_during_training",
				Destination: &evalData,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			model, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			train, err := seq2seq.ReadExamples(trainData)
			if err != nil {
				return err
			}
			var opts seq2seq.TrainOptions
			if evalData != "" {
				if opts.EvalData, err = seq2seq.ReadExamples(evalData); err != nil {
					return err
				}
			}
			log.Info("loaded examples", "train", len(train), "eval", len(opts.EvalData))

			res, err := model.TrainModel(ctx, train, opts)
			if err != nil {
				return err
			}
			fmt.Printf("global_step = %d\nmean_loss = %g\n", res.GlobalStep, res.MeanLoss)
			return nil
		},
	}
}

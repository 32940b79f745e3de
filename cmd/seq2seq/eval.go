package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/born-ml/seq2seq"
	"github.com/urfave/cli/v3"
)

func evalCmd() *cli.Command {
	var evalData string

	return &cli.Command{
		Name:  "eval",
		Usage: "Evaluate a model and write eval_results.txt",
		Flags: modelFlags(
			&cli.StringFlag{
				Name:        "eval-data",
				Usage:       "evaluation examples (prefix, input_text, target_text)",
				Required:    true,
				Destination: &evalData,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			model, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			examples, err := seq2seq.ReadExamples(evalData)
			if err != nil {
				return err
			}
			results, err := model.EvalModel(ctx, examples, seq2seq.EvalOptions{})
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(results))
			for k := range results {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %g\n", k, results[k])
			}
			return nil
		},
	}
}

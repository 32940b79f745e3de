package main

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/urfave/cli/v3"
)

func predictCmd() *cli.Command {
	var input string

	return &cli.Command{
		Name:  "predict",
		Usage: "Generate one output line per input line",
		Flags: modelFlags(
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "file of input lines (default stdin)",
				Destination: &input,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			model, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			var r io.Reader = os.Stdin
			if input != "" {
				f, err := os.Open(input)
				if err != nil {
					return config.Resource("open input", err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			lines, err := dataset.ReadLines(r)
			if err != nil {
				return err
			}
			outputs, err := model.Predict(ctx, lines)
			if err != nil {
				return err
			}
			w := bufio.NewWriter(os.Stdout)
			for _, o := range outputs {
				_, _ = w.WriteString(o)
				_ = w.WriteByte('\n')
			}
			return w.Flush()
		},
	}
}

// Command seq2seq fine-tunes, evaluates and serves encoder-decoder
// models.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "seq2seq",
		Usage: "Fine-tune, evaluate and serve encoder-decoder models",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := logLevel
			if debugLogs {
				level = "debug"
			}
			return logger.WithContext(ctx, logger.ForFormat(os.Stderr, logFormat, level)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			trainCmd(),
			evalCmd(),
			predictCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

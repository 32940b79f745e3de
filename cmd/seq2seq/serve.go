package main

import (
	"context"

	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var addr string

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve predictions over HTTP (POST /v1/predict)",
		Flags: modelFlags(
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			model, err := loadModel(ctx, cmd)
			if err != nil {
				return err
			}
			return model.Serve(ctx, addr)
		},
	}
}

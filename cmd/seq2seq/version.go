package main

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/born-ml/seq2seq/internal/device"
	"github.com/urfave/cli/v3"
)

const version = "v0.1.0-dev"

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Printf("version:  %s\n", version)
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, dep := range info.Deps {
					if dep.Path == "github.com/born-ml/born" {
						fmt.Printf("born:     %s\n", dep.Version)
					}
				}
			}
			fmt.Printf("devices:  %v\n", device.Available())
			fmt.Printf("cpu:      %s\n", device.DescribeCPU())
			return nil
		},
	}
}

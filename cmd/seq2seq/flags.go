package main

import (
	"context"

	"github.com/born-ml/seq2seq"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/urfave/cli/v3"
)

var (
	encoderType        string
	encoderName        string
	decoderName        string
	encoderDecoderType string
	encoderDecoderName string
	modelConfig        string

	configFile string
	outputDir  string
	useGPU     bool

	logLevel  string
	logFormat string
	debugLogs bool
)

func sourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "encoder-type",
			Usage:       "encoder architecture (bert, roberta, distilbert, camembert, electra)",
			Destination: &encoderType,
		},
		&cli.StringFlag{
			Name:        "encoder-name",
			Usage:       "encoder model directory or hub name",
			Destination: &encoderName,
		},
		&cli.StringFlag{
			Name:        "decoder-name",
			Usage:       "decoder model directory or hub name",
			Destination: &decoderName,
		},
		&cli.StringFlag{
			Name:        "encoder-decoder-type",
			Aliases:     []string{"type", "t"},
			Usage:       "combined architecture (bart) or the encoder family of a saved model",
			Destination: &encoderDecoderType,
		},
		&cli.StringFlag{
			Name:        "encoder-decoder-name",
			Aliases:     []string{"model", "m"},
			Usage:       "combined model directory, saved checkpoint directory or hub name",
			Destination: &encoderDecoderName,
		},
		&cli.StringFlag{
			Name:        "model-config",
			Usage:       "YAML network config for a freshly initialised model (needs a \"tokenizer\" entry)",
			Destination: &modelConfig,
		},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML file of option overrides",
			Destination: &configFile,
		},
		&cli.StringSliceFlag{
			Name:  "set",
			Usage: "option override as key=value (repeatable)",
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "directory for checkpoints and results (overrides output_dir)",
			Destination: &outputDir,
		},
		&cli.BoolFlag{
			Name:        "gpu",
			Usage:       "run on the WebGPU backend (overrides use_gpu)",
			Destination: &useGPU,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debugLogs,
		},
	}
}

func modelFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(sourceFlags(), runFlags()...)
	return append(flags, extra...)
}

// overrides layers the config file, then --set pairs, then explicit
// flags.
func overrides(cmd *cli.Command) (seq2seq.Overrides, error) {
	var layers []config.Overrides
	if configFile != "" {
		file, err := config.LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		layers = append(layers, file)
	}
	set, err := config.ParseAssignments(cmd.StringSlice("set"))
	if err != nil {
		return nil, err
	}
	layers = append(layers, set)

	flags := config.Overrides{}
	if cmd.IsSet("output-dir") {
		flags["output_dir"] = outputDir
	}
	if cmd.IsSet("gpu") {
		flags["use_gpu"] = useGPU
	}
	layers = append(layers, flags)
	return config.Merge(layers...), nil
}

func source() (seq2seq.Source, error) {
	src := seq2seq.Source{
		EncoderType:        encoderType,
		EncoderName:        encoderName,
		DecoderName:        decoderName,
		EncoderDecoderType: encoderDecoderType,
		EncoderDecoderName: encoderDecoderName,
	}
	if modelConfig != "" {
		cfg, err := config.LoadFile(modelConfig)
		if err != nil {
			return src, err
		}
		src.Config = cfg
	}
	return src, nil
}

func loadModel(ctx context.Context, cmd *cli.Command) (*seq2seq.Model, error) {
	src, err := source()
	if err != nil {
		return nil, err
	}
	o, err := overrides(cmd)
	if err != nil {
		return nil, err
	}
	return seq2seq.New(src, o, seq2seq.WithLogger(logger.FromContext(ctx)))
}

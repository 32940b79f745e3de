// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package seq2seq

import (
	"os"

	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/born-ml/seq2seq/internal/model"
	"github.com/born-ml/seq2seq/internal/predict"
)

// Error classes. Use errors.Is to branch on them.
var (
	// ErrConfig reports invalid or inconsistent settings.
	ErrConfig = config.ErrConfig

	// ErrResource reports filesystem or device failures.
	ErrResource = config.ErrResource

	// ErrInput reports malformed example records.
	ErrInput = config.ErrInput
)

// Source names where the model comes from.
type Source = config.Source

// Args is the effective run configuration.
type Args = config.Args

// Overrides is one layer of snake_case configuration keys.
type Overrides = config.Overrides

// Example is one (prefix, input_text, target_text) record.
type Example = dataset.Example

// Dataset is a list of examples with their token encodings.
type Dataset = dataset.Dataset

// Logger is the structured logger used by every component.
type Logger = logger.Logger

// DefaultArgs returns the built-in defaults.
func DefaultArgs() Args {
	return config.Defaults()
}

// ReadExamples loads examples from a .csv, .tsv or .jsonl file with
// prefix, input_text and target_text fields.
func ReadExamples(path string) ([]Example, error) {
	return dataset.Read(path)
}

// DatasetBuilder turns examples into an encoded dataset. mode is "train"
// or "dev". It replaces the default tokenize-and-cache builder.
type DatasetBuilder func(examples []Example, mode string, m *Model) (*Dataset, error)

// Option customises New.
type Option func(*settings)

type settings struct {
	shared  Overrides
	log     Logger
	builder DatasetBuilder
}

// WithSharedDefaults adds a configuration layer between the built-in
// defaults and the overrides passed to New.
func WithSharedDefaults(o Overrides) Option {
	return func(s *settings) { s.shared = o }
}

// WithLogger sets the logger. The default is a pretty stderr logger at
// info level, or warn level when silent is set.
func WithLogger(l Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithDatasetBuilder replaces how examples are encoded.
func WithDatasetBuilder(b DatasetBuilder) Option {
	return func(s *settings) { s.builder = b }
}

// Model is an encoder-decoder model with its run configuration.
type Model struct {
	src     Source
	layers  []Overrides
	args    Args
	net     *model.Model
	log     Logger
	builder DatasetBuilder
}

// New merges the configuration and loads the model.
//
// Example:
//
//	model, err := seq2seq.New(seq2seq.Source{
//	    EncoderType: "roberta",
//	    EncoderName: "roberta-base",
//	    DecoderName: "bert-base-cased",
//	}, seq2seq.Overrides{"max_length": 64})
func New(src Source, overrides Overrides, opts ...Option) (*Model, error) {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	layers := []Overrides{s.shared, overrides}
	args, err := config.New(layers...)
	if err != nil {
		return nil, err
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	args = args.WithModel(src.ModelName(), src.ModelType())

	log := s.log
	if log == nil {
		level := "info"
		if args.Silent {
			level = "warn"
		}
		log = logger.ForFormat(os.Stderr, "pretty", level)
	}

	net, err := model.New(src, args, log)
	if err != nil {
		return nil, err
	}
	return &Model{src: src, layers: layers, args: args, net: net, log: log, builder: s.builder}, nil
}

// Args is the effective configuration.
func (m *Model) Args() Args { return m.args }

// Save writes the model, its tokenizers and training_args.bin into dir.
func (m *Model) Save(dir string) error {
	args := m.args
	return checkpoint.Save(dir, checkpoint.Contents{Model: m.net, Args: &args})
}

// withOverrides re-merges the configuration with one more layer on top.
func (m *Model) withOverrides(o Overrides) (Args, error) {
	if len(o) == 0 {
		return m.args, nil
	}
	args, err := config.New(append(m.layers, o)...)
	if err != nil {
		return Args{}, err
	}
	return args.WithModel(m.args.ModelName, m.args.ModelType), nil
}

func (m *Model) buildDataset(examples []Example, mode string, args Args) (*Dataset, error) {
	if m.builder != nil {
		return m.builder(examples, mode, m)
	}
	return dataset.Build(examples, m.net.EncoderTokenizer(), m.net.DecoderTokenizer(), dataset.OptionsFromArgs(args, mode), m.log)
}

func (m *Model) predictor(args Args) *predict.Predictor {
	return predict.New(m.net, m.net.EncoderTokenizer(), m.net.DecoderTokenizer(), args, m.log)
}

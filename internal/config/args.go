// Package config builds the effective, immutable run configuration.
//
// Settings are layered: built-in defaults, then a shared defaults layer,
// then caller overrides. Each layer is an Overrides map keyed by the
// snake_case option names used in YAML files and training_args.bin.
package config

import (
	"bytes"
	"fmt"
	"math"

	json "github.com/goccy/go-json"
)

// Args is the effective configuration of a model wrapper. It is passed
// by value; the only sanctioned change after construction is the one-off
// warmup derivation done by WithWarmupSteps.
type Args struct {
	// Generation.
	DoSample          bool    `json:"do_sample" yaml:"do_sample"`
	NumBeams          int     `json:"num_beams" yaml:"num_beams"`
	MaxLength         int     `json:"max_length" yaml:"max_length"`
	RepetitionPenalty float32 `json:"repetition_penalty" yaml:"repetition_penalty"`
	LengthPenalty     float32 `json:"length_penalty" yaml:"length_penalty"`
	EarlyStopping     bool    `json:"early_stopping" yaml:"early_stopping"`
	TopK              int     `json:"top_k" yaml:"top_k"`
	TopP              float32 `json:"top_p" yaml:"top_p"`

	// Data.
	PreprocessInputs      bool   `json:"preprocess_inputs" yaml:"preprocess_inputs"`
	MaxSeqLength          int    `json:"max_seq_length" yaml:"max_seq_length"`
	CacheDir              string `json:"cache_dir" yaml:"cache_dir"`
	NoCache               bool   `json:"no_cache" yaml:"no_cache"`
	ReprocessInputData    bool   `json:"reprocess_input_data" yaml:"reprocess_input_data"`
	UseCachedEvalFeatures bool   `json:"use_cached_eval_features" yaml:"use_cached_eval_features"`

	// Optimisation.
	NumTrainEpochs            int     `json:"num_train_epochs" yaml:"num_train_epochs"`
	MaxSteps                  int     `json:"max_steps" yaml:"max_steps"`
	TrainBatchSize            int     `json:"train_batch_size" yaml:"train_batch_size"`
	EvalBatchSize             int     `json:"eval_batch_size" yaml:"eval_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps" yaml:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate" yaml:"learning_rate"`
	AdamEpsilon               float64 `json:"adam_epsilon" yaml:"adam_epsilon"`
	WeightDecay               float64 `json:"weight_decay" yaml:"weight_decay"`
	WarmupRatio               float64 `json:"warmup_ratio" yaml:"warmup_ratio"`
	WarmupSteps               int     `json:"warmup_steps" yaml:"warmup_steps"`
	MaxGradNorm               float64 `json:"max_grad_norm" yaml:"max_grad_norm"`
	ManualSeed                *int64  `json:"manual_seed" yaml:"manual_seed"`

	// Output and checkpointing.
	OutputDir                 string `json:"output_dir" yaml:"output_dir"`
	OverwriteOutputDir        bool   `json:"overwrite_output_dir" yaml:"overwrite_output_dir"`
	BestModelDir              string `json:"best_model_dir" yaml:"best_model_dir"`
	LoggingSteps              int    `json:"logging_steps" yaml:"logging_steps"`
	SaveSteps                 int    `json:"save_steps" yaml:"save_steps"`
	NoSave                    bool   `json:"no_save" yaml:"no_save"`
	SaveModelEveryEpoch       bool   `json:"save_model_every_epoch" yaml:"save_model_every_epoch"`
	SaveEvalCheckpoints       bool   `json:"save_eval_checkpoints" yaml:"save_eval_checkpoints"`
	SaveBestModel             bool   `json:"save_best_model" yaml:"save_best_model"`
	SaveOptimizerAndScheduler bool   `json:"save_optimizer_and_scheduler" yaml:"save_optimizer_and_scheduler"`

	// Evaluation and early stopping.
	EvaluateDuringTraining        bool    `json:"evaluate_during_training" yaml:"evaluate_during_training"`
	EvaluateDuringTrainingSteps   int     `json:"evaluate_during_training_steps" yaml:"evaluate_during_training_steps"`
	EvaluateDuringTrainingVerbose bool    `json:"evaluate_during_training_verbose" yaml:"evaluate_during_training_verbose"`
	EvaluateGeneratedText         bool    `json:"evaluate_generated_text" yaml:"evaluate_generated_text"`
	UseEarlyStopping              bool    `json:"use_early_stopping" yaml:"use_early_stopping"`
	EarlyStoppingMetric           string  `json:"early_stopping_metric" yaml:"early_stopping_metric"`
	EarlyStoppingMetricMinimize   bool    `json:"early_stopping_metric_minimize" yaml:"early_stopping_metric_minimize"`
	EarlyStoppingDelta            float64 `json:"early_stopping_delta" yaml:"early_stopping_delta"`
	EarlyStoppingPatience         int     `json:"early_stopping_patience" yaml:"early_stopping_patience"`
	EarlyStoppingConsiderEpochs   bool    `json:"early_stopping_consider_epochs" yaml:"early_stopping_consider_epochs"`

	// Runtime.
	UseGPU          bool   `json:"use_gpu" yaml:"use_gpu"`
	Silent          bool   `json:"silent" yaml:"silent"`
	TensorboardDir  string `json:"tensorboard_dir" yaml:"tensorboard_dir"`
	ProgressionFile string `json:"progression_file" yaml:"progression_file"`

	// Derived from the model source.
	ModelName string `json:"model_name" yaml:"model_name"`
	ModelType string `json:"model_type" yaml:"model_type"`
}

// Overrides is one configuration layer.
type Overrides map[string]any

// Defaults returns the built-in defaults.
func Defaults() Args {
	return Args{
		DoSample:          false,
		NumBeams:          1,
		MaxLength:         20,
		RepetitionPenalty: 1.0,
		LengthPenalty:     2.0,
		EarlyStopping:     true,
		TopK:              50,
		TopP:              1.0,

		PreprocessInputs:   true,
		MaxSeqLength:       128,
		CacheDir:           "cache_dir/",
		ReprocessInputData: true,

		NumTrainEpochs:            1,
		MaxSteps:                  -1,
		TrainBatchSize:            8,
		EvalBatchSize:             8,
		GradientAccumulationSteps: 1,
		LearningRate:              4e-5,
		AdamEpsilon:               1e-8,
		WarmupRatio:               0.06,
		MaxGradNorm:               1.0,

		OutputDir:                 "outputs/",
		BestModelDir:              "outputs/best_model",
		LoggingSteps:              50,
		SaveSteps:                 2000,
		SaveModelEveryEpoch:       true,
		SaveEvalCheckpoints:       true,
		SaveBestModel:             true,
		SaveOptimizerAndScheduler: true,

		EvaluateDuringTrainingSteps: 2000,
		EarlyStoppingMetric:         "eval_loss",
		EarlyStoppingMetricMinimize: true,
		EarlyStoppingPatience:       3,
	}
}

// New applies layers on top of Defaults, in order, and validates the
// result. Keys not naming an option, or values of the wrong type, fail
// with ErrConfig.
func New(layers ...Overrides) (Args, error) {
	args := Defaults()
	for i, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		next, err := apply(args, layer)
		if err != nil {
			return Args{}, fmt.Errorf("%w: layer %d: %w", ErrConfig, i, err)
		}
		args = next
	}
	if err := args.Validate(); err != nil {
		return Args{}, err
	}
	return args, nil
}

func apply(base Args, layer Overrides) (Args, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return Args{}, err
	}
	// Numbers stay json.Number so int64 options keep every digit.
	merged := map[string]any{}
	bd := json.NewDecoder(bytes.NewReader(raw))
	bd.UseNumber()
	if err := bd.Decode(&merged); err != nil {
		return Args{}, err
	}
	for k, v := range layer {
		if _, ok := merged[k]; !ok {
			return Args{}, fmt.Errorf("unknown option %q", k)
		}
		merged[k] = v
	}
	raw, err = json.Marshal(merged)
	if err != nil {
		return Args{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var out Args
	if err := dec.Decode(&out); err != nil {
		return Args{}, err
	}
	return out, nil
}

// Validate checks value ranges.
func (a Args) Validate() error {
	switch {
	case a.TrainBatchSize < 1:
		return Errorf("train_batch_size must be positive, got %d", a.TrainBatchSize)
	case a.EvalBatchSize < 1:
		return Errorf("eval_batch_size must be positive, got %d", a.EvalBatchSize)
	case a.GradientAccumulationSteps < 1:
		return Errorf("gradient_accumulation_steps must be positive, got %d", a.GradientAccumulationSteps)
	case a.MaxSeqLength < 2:
		return Errorf("max_seq_length must be at least 2, got %d", a.MaxSeqLength)
	case a.MaxLength < 1:
		return Errorf("max_length must be positive, got %d", a.MaxLength)
	case a.NumBeams < 1:
		return Errorf("num_beams must be positive, got %d", a.NumBeams)
	case a.WarmupRatio < 0 || a.WarmupRatio > 1:
		return Errorf("warmup_ratio must be in [0, 1], got %g", a.WarmupRatio)
	case a.EarlyStoppingPatience < 0:
		return Errorf("early_stopping_patience must not be negative, got %d", a.EarlyStoppingPatience)
	case a.EarlyStoppingMetric == "":
		return Errorf("early_stopping_metric must be set")
	}
	return nil
}

// WithModel returns a copy carrying the derived model name and type.
func (a Args) WithModel(name, typ string) Args {
	a.ModelName = name
	a.ModelType = typ
	return a
}

// WithOutputDir returns a copy writing to dir.
func (a Args) WithOutputDir(dir string) Args {
	a.OutputDir = dir
	return a
}

// WithWarmupSteps resolves warmup_steps against the total number of
// optimizer steps: an explicit non-zero value is kept, otherwise it
// becomes ceil(totalSteps * warmup_ratio).
func (a Args) WithWarmupSteps(totalSteps int) Args {
	if a.WarmupSteps == 0 {
		a.WarmupSteps = int(math.Ceil(float64(totalSteps) * a.WarmupRatio))
	}
	return a
}

// Seed returns manual_seed, or fallback when unset.
func (a Args) Seed(fallback int64) int64 {
	if a.ManualSeed != nil {
		return *a.ManualSeed
	}
	return fallback
}

// Marshal encodes the configuration as stored in training_args.bin.
func (a Args) Marshal() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// Unmarshal decodes a training_args.bin payload.
func Unmarshal(data []byte) (Args, error) {
	args := Defaults()
	if err := json.Unmarshal(data, &args); err != nil {
		return Args{}, fmt.Errorf("%w: decode training args: %w", ErrConfig, err)
	}
	return args, nil
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package seq2seq fine-tunes, evaluates and serves encoder-decoder
// sequence models (summarization, translation, paraphrasing) built on
// the Born ML framework.
//
// # Overview
//
// A Model pairs a Transformer encoder-decoder with its tokenizers and an
// effective run configuration. It supports:
//   - Construction from a network config, a pretrained combined model
//     directory, separate encoder and decoder models, or a saved
//     checkpoint directory
//   - Training with gradient accumulation, linear warmup, gradient
//     clipping, periodic checkpoints and early stopping
//   - Resuming from checkpoint-<step> directories
//   - Evaluation by mean loss and caller-supplied text metrics
//   - Batched, order-preserving prediction and an HTTP endpoint
//
// # Basic Usage
//
//	src := seq2seq.Source{
//	    EncoderDecoderType: "bart",
//	    EncoderDecoderName: "facebook/bart-base",
//	}
//	model, err := seq2seq.New(src, seq2seq.Overrides{
//	    "num_train_epochs": 3,
//	    "evaluate_during_training": true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	train, _ := seq2seq.ReadExamples("train.csv")
//	dev, _ := seq2seq.ReadExamples("dev.csv")
//	result, err := model.TrainModel(ctx, train, seq2seq.TrainOptions{EvalData: dev})
//
//	outputs, err := model.Predict(ctx, []string{"summarize: a long text"})
//
// # Configuration
//
// Options are snake_case keys layered over built-in defaults: first the
// shared defaults given with WithSharedDefaults, then the overrides
// passed to New, then per-call overrides. Unknown keys are
// configuration errors.
//
// # Errors
//
// Every failure wraps one of ErrConfig, ErrResource or ErrInput:
//
//	if errors.Is(err, seq2seq.ErrConfig) {
//	    // fix the settings
//	}
//
// # Checkpoints
//
// Training writes <output_dir>/checkpoint-<step>[-epoch-<n>]/ directories
// holding model.safetensors, config.json, tokenizer files,
// training_args.bin and, when enabled, optimizer.pt and scheduler.pt.
// Passing such a directory as the model name resumes training from it.
package seq2seq

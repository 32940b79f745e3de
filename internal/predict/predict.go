// Package predict turns input strings into generated strings, batch by
// batch, preserving input order.
package predict

import (
	"context"
	"fmt"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/born-ml/seq2seq/internal/model"
)

// Encoder tokenizes model inputs.
type Encoder interface {
	EncodeSequence(text string, maxLen int) ([]int32, error)
}

// Decoder turns generated ids back into text.
type Decoder interface {
	Decode(ids []int32, skipSpecial bool) (string, error)
}

// Generator produces one id sequence per source row.
type Generator interface {
	Generate(src [][]int32, opts model.GenerateOptions) ([][]int32, error)
}

// Predictor runs generation over lists of inputs.
type Predictor struct {
	gen       Generator
	enc       Encoder
	dec       Decoder
	opts      model.GenerateOptions
	batchSize int
	maxSeqLen int
	log       logger.Logger
}

// New builds a predictor with the decoding settings, eval_batch_size and
// max_seq_length of args.
func New(gen Generator, enc Encoder, dec Decoder, args config.Args, log logger.Logger) *Predictor {
	if log == nil {
		log = logger.Discard()
	}
	return &Predictor{
		gen:       gen,
		enc:       enc,
		dec:       dec,
		opts:      model.GenerateOptionsFromArgs(args),
		batchSize: max(1, args.EvalBatchSize),
		maxSeqLen: args.MaxSeqLength,
		log:       log,
	}
}

// Predict returns one output per input, in input order. Special and
// padding tokens are stripped from the outputs.
func (p *Predictor) Predict(ctx context.Context, inputs []string) ([]string, error) {
	out := make([]string, 0, len(inputs))
	for start := 0; start < len(inputs); start += p.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+p.batchSize, len(inputs))
		src := make([][]int32, 0, end-start)
		for i, text := range inputs[start:end] {
			ids, err := p.enc.EncodeSequence(text, p.maxSeqLen)
			if err != nil {
				return nil, fmt.Errorf("encode input %d: %w", start+i, err)
			}
			src = append(src, ids)
		}
		gen, err := p.gen.Generate(src, p.opts)
		if err != nil {
			return nil, err
		}
		if len(gen) != len(src) {
			return nil, fmt.Errorf("generate returned %d sequences for %d inputs", len(gen), len(src))
		}
		for i, ids := range gen {
			text, err := p.dec.Decode(ids, true)
			if err != nil {
				return nil, fmt.Errorf("decode output %d: %w", start+i, err)
			}
			out = append(out, text)
		}
		p.log.Debug("predicted batch", "from", start, "to", end)
	}
	return out, nil
}

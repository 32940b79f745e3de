// Package optimizer layers decoupled weight decay, gradient clipping and
// a linear warmup schedule on top of Born's Adam.
package optimizer

import (
	"fmt"
	"math"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/seq2seq/internal/checkpoint"
)

// Config configures AdamW.
type Config struct {
	LR          float64
	Epsilon     float64
	WeightDecay float64
}

// AdamW is Adam with weight decay applied directly to the weights
// rather than folded into the gradient.
type AdamW[B tensor.Backend] struct {
	adam    *optim.Adam[B]
	backend B
	decay   []*nn.Parameter[B]
	cfg     Config
	steps   int
	lr      float64
}

// NoDecay reports whether a parameter is exempt from weight decay:
// biases and every normalisation parameter.
func NoDecay(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, "bias") || strings.Contains(n, "norm")
}

// NewAdamW builds the optimizer over params.
func NewAdamW[B tensor.Backend](params []*nn.Parameter[B], cfg Config, backend B) *AdamW[B] {
	o := &AdamW[B]{
		adam: optim.NewAdam(params, optim.AdamConfig{
			LR:    float32(cfg.LR),
			Betas: [2]float32{0.9, 0.999},
			Eps:   float32(cfg.Epsilon),
		}, backend),
		backend: backend,
		cfg:     cfg,
		lr:      cfg.LR,
	}
	if cfg.WeightDecay > 0 {
		for _, p := range params {
			if !NoDecay(p.Name()) {
				o.decay = append(o.decay, p)
			}
		}
	}
	return o
}

// Step applies one update with learning rate lr.
func (o *AdamW[B]) Step(grads map[*tensor.RawTensor]*tensor.RawTensor, lr float64) {
	o.lr = lr
	if o.cfg.WeightDecay > 0 && lr > 0 {
		shrink := float32(1 - lr*o.cfg.WeightDecay)
		for _, p := range o.decay {
			w := p.Tensor().Raw().AsFloat32()
			for i := range w {
				w[i] *= shrink
			}
		}
	}
	o.adam.SetLR(float32(lr))
	o.adam.Step(grads)
	o.steps++
}

// ZeroGrad clears parameter gradients.
func (o *AdamW[B]) ZeroGrad() { o.adam.ZeroGrad() }

// Steps is the number of updates applied so far.
func (o *AdamW[B]) Steps() int { return o.steps }

// State snapshots the update counter, hyperparameters and Adam moments.
func (o *AdamW[B]) State() checkpoint.OptimizerState {
	s := checkpoint.OptimizerState{Step: o.steps, LR: o.lr, WeightDecay: o.cfg.WeightDecay, Epsilon: o.cfg.Epsilon}
	for key, raw := range o.adam.StateDict() {
		if s.Moments == nil {
			s.Moments = map[string]checkpoint.Tensor{}
		}
		s.Moments[key] = checkpoint.Tensor{
			Shape: append([]int(nil), raw.Shape()...),
			Data:  append([]float32(nil), raw.AsFloat32()...),
		}
	}
	return s
}

// Restore resumes from s. Moments are loaded into Adam and its bias
// correction timestep is brought up to s.Step, so the next update is the
// one an uninterrupted run would have made. Without moments Adam starts
// from zero estimates.
func (o *AdamW[B]) Restore(s checkpoint.OptimizerState) error {
	if len(s.Moments) > 0 {
		state := make(map[string]*tensor.RawTensor, len(s.Moments))
		for key, m := range s.Moments {
			raw, err := tensor.NewRaw(tensor.Shape(m.Shape), tensor.Float32, o.backend.Device())
			if err != nil {
				return fmt.Errorf("optimizer state %s: %w", key, err)
			}
			copy(raw.AsFloat32(), m.Data)
			state[key] = raw
		}
		if err := o.adam.LoadStateDict(state); err != nil {
			return fmt.Errorf("optimizer state: %w", err)
		}
		// Adam skips parameters without a gradient, so an empty step
		// only advances the timestep.
		empty := map[*tensor.RawTensor]*tensor.RawTensor{}
		for o.adam.GetTimestep() < s.Step {
			o.adam.Step(empty)
		}
	}
	o.steps = s.Step
	o.lr = s.LR
	return nil
}

// ClipGradNorm rescales grads in place so their global L2 norm is at
// most maxNorm, and returns the norm before clipping. maxNorm <= 0
// disables clipping.
func ClipGradNorm(grads map[*tensor.RawTensor]*tensor.RawTensor, maxNorm float64) float64 {
	var sum float64
	for _, g := range grads {
		for _, v := range g.AsFloat32() {
			sum += float64(v) * float64(v)
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, g := range grads {
		data := g.AsFloat32()
		for i := range data {
			data[i] *= scale
		}
	}
	return norm
}

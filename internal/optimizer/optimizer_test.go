package optimizer

import (
	"math"
	"testing"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoDecay(t *testing.T) {
	assert.True(t, NoDecay("encoder.layers.0.fc1.bias"))
	assert.True(t, NoDecay("decoder.layers.1.self_attn_layer_norm.weight"))
	assert.True(t, NoDecay("encoder.LayerNorm.weight"))
	assert.True(t, NoDecay("model.encoder.layernorm_embedding.weight"))
	assert.False(t, NoDecay("encoder.layers.0.fc1.weight"))
	assert.False(t, NoDecay("shared.embed_tokens.weight"))
}

func TestLinearSchedule(t *testing.T) {
	s := &LinearSchedule{BaseLR: 1.0, WarmupSteps: 2, TotalSteps: 6}
	var got []float64
	for i := 0; i < 7; i++ {
		got = append(got, s.LR())
		s.Advance()
	}
	want := []float64{0, 0.5, 1, 0.75, 0.5, 0.25, 0}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-12, "step %d", i)
	}

	st := s.State()
	assert.Equal(t, 7, st.Step)

	resumed := &LinearSchedule{BaseLR: 1.0, WarmupSteps: 2, TotalSteps: 6}
	resumed.Restore(checkpoint.SchedulerState{Step: 3})
	assert.InDelta(t, 0.75, resumed.LR(), 1e-12)
}

func TestLinearScheduleNoWarmup(t *testing.T) {
	s := &LinearSchedule{BaseLR: 2.0, TotalSteps: 4}
	assert.InDelta(t, 2.0, s.LR(), 1e-12)
}

func rawOf(t *testing.T, data ...float32) *tensor.RawTensor {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, cpu.New())
	require.NoError(t, err)
	return x.Raw()
}

func TestClipGradNorm(t *testing.T) {
	a, b := rawOf(t, 3, 0), rawOf(t, 0, 4)
	grads := map[*tensor.RawTensor]*tensor.RawTensor{a: a, b: b}

	norm := ClipGradNorm(grads, 1.0)
	assert.InDelta(t, 5.0, norm, 1e-6)

	var sum float64
	for _, g := range grads {
		for _, v := range g.AsFloat32() {
			sum += float64(v) * float64(v)
		}
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)

	small := rawOf(t, 0.1)
	norm = ClipGradNorm(map[*tensor.RawTensor]*tensor.RawTensor{small: small}, 1.0)
	assert.InDelta(t, 0.1, norm, 1e-6)
	assert.InDelta(t, 0.1, small.AsFloat32()[0], 1e-7, "below the threshold nothing changes")
}

func TestAdamWDecaysOnlyEligibleWeights(t *testing.T) {
	backend := cpu.New()
	w, err := tensor.FromSlice([]float32{1, 1}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	b, err := tensor.FromSlice([]float32{1, 1}, tensor.Shape{2}, backend)
	require.NoError(t, err)
	weight := nn.NewParameter("fc.weight", w)
	bias := nn.NewParameter("fc.bias", b)

	opt := NewAdamW([]*nn.Parameter[*cpu.Backend]{weight, bias}, Config{LR: 0.1, Epsilon: 1e-8, WeightDecay: 0.5}, backend)
	opt.Step(map[*tensor.RawTensor]*tensor.RawTensor{}, 0.1)

	assert.InDelta(t, 0.95, weight.Tensor().Raw().AsFloat32()[0], 1e-6)
	assert.InDelta(t, 1.0, bias.Tensor().Raw().AsFloat32()[0], 1e-6)
	assert.Equal(t, 1, opt.Steps())

	st := opt.State()
	assert.Equal(t, 1, st.Step)
	assert.InDelta(t, 0.1, st.LR, 1e-12)
}

func newParam(t *testing.T, backend *cpu.Backend, data ...float32) *nn.Parameter[*cpu.Backend] {
	t.Helper()
	x, err := tensor.FromSlice(data, tensor.Shape{len(data)}, backend)
	require.NoError(t, err)
	return nn.NewParameter("fc.weight", x)
}

func TestRestoreContinuesAdamExactly(t *testing.T) {
	backend := cpu.New()
	cfg := Config{LR: 0.1, Epsilon: 1e-8}
	grads := [][]float32{{0.5, -1}, {0.25, 2}, {-0.75, 0.5}}
	step := func(o *AdamW[*cpu.Backend], p *nn.Parameter[*cpu.Backend], g []float32) {
		o.Step(map[*tensor.RawTensor]*tensor.RawTensor{p.Tensor().Raw(): rawOf(t, g...)}, cfg.LR)
	}

	full := newParam(t, backend, 1, 2)
	fullOpt := NewAdamW([]*nn.Parameter[*cpu.Backend]{full}, cfg, backend)
	for _, g := range grads {
		step(fullOpt, full, g)
	}

	first := newParam(t, backend, 1, 2)
	firstOpt := NewAdamW([]*nn.Parameter[*cpu.Backend]{first}, cfg, backend)
	step(firstOpt, first, grads[0])
	step(firstOpt, first, grads[1])
	st := firstOpt.State()
	require.Contains(t, st.Moments, "m.0")
	require.Contains(t, st.Moments, "v.0")
	assert.Equal(t, []int{2}, st.Moments["m.0"].Shape)

	resumed := newParam(t, backend, first.Tensor().Raw().AsFloat32()...)
	resumedOpt := NewAdamW([]*nn.Parameter[*cpu.Backend]{resumed}, cfg, backend)
	require.NoError(t, resumedOpt.Restore(st))
	assert.Equal(t, 2, resumedOpt.Steps())
	step(resumedOpt, resumed, grads[2])

	want := full.Tensor().Raw().AsFloat32()
	got := resumed.Tensor().Raw().AsFloat32()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6, "weight %d", i)
	}
}

func TestRestoreRejectsMismatchedMoments(t *testing.T) {
	backend := cpu.New()
	p := newParam(t, backend, 1, 2)
	opt := NewAdamW([]*nn.Parameter[*cpu.Backend]{p}, Config{LR: 0.1}, backend)
	err := opt.Restore(checkpoint.OptimizerState{
		Step:    1,
		Moments: map[string]checkpoint.Tensor{"m.0": {Shape: []int{3}, Data: []float32{0, 0, 0}}},
	})
	assert.Error(t, err)
}

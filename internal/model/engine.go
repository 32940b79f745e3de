package model

import (
	"slices"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/generate"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/optimizer"
)

// engine is the device-specific half of a Model. Born panics on
// malformed tensors; Model converts those into errors.
type engine interface {
	backward(src, tgt [][]int32, scale float64) float64
	loss(src, tgt [][]int32) float64
	step(lr float64)
	configureOptimizer(cfg optimizer.Config, maxGradNorm float64)
	optimizerState() checkpoint.OptimizerState
	restoreOptimizer(checkpoint.OptimizerState) error
	generate(src [][]int32, opts GenerateOptions) [][]int32
	initWeights(seed int64)
	weights() []namedWeights
	assign(name string, shape []int, data []float32) assignResult
}

type namedWeights struct {
	name   string
	tensor checkpoint.Tensor
}

type assignResult int

const (
	assigned assignResult = iota
	unknownName
	shapeMismatch
)

// tokens are the special ids the engine needs.
type tokens struct {
	srcPad int32
	tgtPad int32
	eos    int32
	start  int32
}

// autodiffEngine runs the network on an autodiff-wrapped backend B.
type autodiffEngine[B tensor.Backend] struct {
	ad  *autodiff.Backend[B]
	net *network[*autodiff.Backend[B]]
	tok tokens

	opt         *optimizer.AdamW[*autodiff.Backend[B]]
	maxGradNorm float64
	acc         map[*tensor.RawTensor][]float32
}

func newAutodiffEngine[B tensor.Backend](base B, cfg Config, tok tokens) *autodiffEngine[B] {
	ad := autodiff.New(base)
	return &autodiffEngine[B]{
		ad:  ad,
		net: newNetwork(cfg, ad),
		tok: tok,
		acc: map[*tensor.RawTensor][]float32{},
	}
}

func (e *autodiffEngine[B]) initWeights(seed int64) { e.net.initWeights(seed) }

// pad right-pads rows to a common length and returns them flattened.
func pad(rows [][]int32, value int32) (flat []int32, seqLen int) {
	for _, r := range rows {
		seqLen = max(seqLen, len(r))
	}
	seqLen = max(seqLen, 1)
	flat = make([]int32, 0, len(rows)*seqLen)
	for _, r := range rows {
		flat = append(flat, r...)
		for i := len(r); i < seqLen; i++ {
			flat = append(flat, value)
		}
	}
	return flat, seqLen
}

// teacherForcing builds decoder inputs (start token then the targets
// shifted right) and the rows/labels that carry loss.
func (e *autodiffEngine[B]) teacherForcing(tgt [][]int32) (inputs []int32, seqLen int, rows, labels []int32) {
	flat, seqLen := pad(tgt, e.tok.tgtPad)
	inputs = make([]int32, len(flat))
	for b := range tgt {
		row := flat[b*seqLen : (b+1)*seqLen]
		in := inputs[b*seqLen : (b+1)*seqLen]
		in[0] = e.tok.start
		copy(in[1:], row[:seqLen-1])
		for t, id := range row {
			if t < len(tgt[b]) && id != e.tok.tgtPad {
				rows = append(rows, int32(b*seqLen+t))
				labels = append(labels, id)
			}
		}
	}
	return inputs, seqLen, rows, labels
}

// forwardLoss is the mean cross-entropy over non-pad target tokens, or
// nil when the batch has none.
func (e *autodiffEngine[B]) forwardLoss(src, tgt [][]int32) *tensor.Tensor[float32, *autodiff.Backend[B]] {
	srcFlat, srcLen := pad(src, e.tok.srcPad)
	inputs, tgtLen, rows, labels := e.teacherForcing(tgt)
	if len(rows) == 0 {
		return nil
	}
	batch := len(src)
	mask := e.net.paddingMask(srcFlat, batch, srcLen, e.tok.srcPad)
	memory := e.net.encode(srcFlat, batch, srcLen, mask)
	hidden := e.net.decode(inputs, batch, tgtLen, memory, mask)
	logits := e.net.logits(hidden, rows)
	targets := e.net.ids(labels, len(labels))
	return tensor.New[float32](e.ad.CrossEntropy(logits.Raw(), targets.Raw()), e.ad)
}

func (e *autodiffEngine[B]) loss(src, tgt [][]int32) float64 {
	tape := e.ad.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()
	l := e.forwardLoss(src, tgt)
	if l == nil {
		return 0
	}
	return float64(l.Raw().AsFloat32()[0])
}

// backward adds scale * d(loss)/d(param) to the accumulated gradients
// and returns the unscaled loss.
func (e *autodiffEngine[B]) backward(src, tgt [][]int32, scale float64) float64 {
	tape := e.ad.Tape()
	tape.Clear()
	tape.StartRecording()
	defer func() {
		tape.StopRecording()
		tape.Clear()
	}()

	l := e.forwardLoss(src, tgt)
	if l == nil {
		return 0
	}
	value := float64(l.Raw().AsFloat32()[0])

	seed, err := tensor.NewRaw(l.Shape(), l.DType(), e.ad.Device())
	if err != nil {
		panic(err)
	}
	seed.AsFloat32()[0] = float32(scale)
	grads := tape.Backward(seed, e.ad)

	for _, np := range e.net.params {
		key := np.param.Tensor().Raw()
		g, ok := grads[key]
		if !ok {
			continue
		}
		acc := e.acc[key]
		if acc == nil {
			acc = make([]float32, key.NumElements())
			e.acc[key] = acc
		}
		for i, v := range g.AsFloat32() {
			acc[i] += v
		}
	}
	return value
}

func (e *autodiffEngine[B]) configureOptimizer(cfg optimizer.Config, maxGradNorm float64) {
	params := make([]*nn.Parameter[*autodiff.Backend[B]], 0, len(e.net.params))
	for _, np := range e.net.params {
		params = append(params, nn.NewParameter(np.name, np.param.Tensor()))
	}
	e.opt = optimizer.NewAdamW(params, cfg, e.ad)
	e.maxGradNorm = maxGradNorm
	clear(e.acc)
}

// step clips the accumulated gradients, applies one AdamW update at lr
// and starts a fresh accumulation.
func (e *autodiffEngine[B]) step(lr float64) {
	if e.opt == nil {
		panic("optimizer not configured")
	}
	grads := make(map[*tensor.RawTensor]*tensor.RawTensor, len(e.acc))
	for key, acc := range e.acc {
		raw, err := tensor.NewRaw(key.Shape(), tensor.Float32, e.ad.Device())
		if err != nil {
			panic(err)
		}
		copy(raw.AsFloat32(), acc)
		grads[key] = raw
	}
	optimizer.ClipGradNorm(grads, e.maxGradNorm)
	e.opt.Step(grads, lr)
	e.opt.ZeroGrad()
	clear(e.acc)
}

func (e *autodiffEngine[B]) optimizerState() checkpoint.OptimizerState {
	if e.opt == nil {
		return checkpoint.OptimizerState{}
	}
	return e.opt.State()
}

func (e *autodiffEngine[B]) restoreOptimizer(s checkpoint.OptimizerState) error {
	if e.opt == nil {
		return nil
	}
	return e.opt.Restore(s)
}

// generate decodes every source row autoregressively. All rows advance
// together; finished rows are fed padding until the batch is done.
func (e *autodiffEngine[B]) generate(src [][]int32, opts GenerateOptions) [][]int32 {
	tape := e.ad.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	defer func() {
		if wasRecording {
			tape.StartRecording()
		}
	}()

	batch := len(src)
	srcFlat, srcLen := pad(src, e.tok.srcPad)
	mask := e.net.paddingMask(srcFlat, batch, srcLen, e.tok.srcPad)
	memory := e.net.encode(srcFlat, batch, srcLen, mask)

	sampler := generate.NewSampler(opts.sampling())
	seqs := make([][]int32, batch)
	for i := range seqs {
		seqs[i] = []int32{e.tok.start}
	}
	done := make([]bool, batch)
	vocab := e.net.cfg.DecoderVocabSize
	maxLen := min(opts.MaxLength, e.net.cfg.MaxPositionEmbeddings)

	for seqLen := 1; seqLen < maxLen && slices.Contains(done, false); seqLen++ {
		flat := make([]int32, 0, batch*seqLen)
		last := make([]int32, batch)
		for i, s := range seqs {
			flat = append(flat, s...)
			last[i] = int32(i*seqLen + seqLen - 1)
		}
		hidden := e.net.decode(flat, batch, seqLen, memory, mask)
		logits := e.net.logits(hidden, last).Raw().AsFloat32()
		for i := range seqs {
			if done[i] {
				seqs[i] = append(seqs[i], e.tok.tgtPad)
				continue
			}
			next := sampler.Sample(logits[i*vocab:(i+1)*vocab], seqs[i][1:])
			seqs[i] = append(seqs[i], next)
			done[i] = next == e.tok.eos
		}
	}

	out := make([][]int32, batch)
	for i, s := range seqs {
		s = s[1:]
		if j := slices.Index(s, e.tok.eos); j >= 0 {
			s = s[:j]
		}
		out[i] = s
	}
	return out
}

func (e *autodiffEngine[B]) weights() []namedWeights {
	out := make([]namedWeights, 0, len(e.net.params))
	for _, np := range e.net.params {
		raw := np.param.Tensor().Raw()
		out = append(out, namedWeights{name: np.name, tensor: checkpoint.Tensor{
			Shape: slices.Clone([]int(raw.Shape())),
			Data:  slices.Clone(raw.AsFloat32()),
		}})
	}
	return out
}

func (e *autodiffEngine[B]) assign(name string, shape []int, data []float32) assignResult {
	for _, np := range e.net.params {
		if np.name != name {
			continue
		}
		raw := np.param.Tensor().Raw()
		if !slices.Equal([]int(raw.Shape()), shape) || len(data) != raw.NumElements() {
			return shapeMismatch
		}
		copy(raw.AsFloat32(), data)
		return assigned
	}
	return unknownName
}

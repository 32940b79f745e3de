package model

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// maskValue is added to attention scores of padded keys.
const maskValue = -1e9

type namedParam[B tensor.Backend] struct {
	name  string
	param *nn.Parameter[B]
}

type encoderLayer[B tensor.Backend] struct {
	selfAttn *nn.MultiHeadAttention[B]
	selfNorm *nn.LayerNorm[B]
	ffn      *nn.FFN[B]
	ffnNorm  *nn.LayerNorm[B]
}

func (l *encoderLayer[B]) forward(x, mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = l.selfNorm.Forward(x.Add(l.selfAttn.Forward(x, x, x, mask)))
	return l.ffnNorm.Forward(x.Add(l.ffn.Forward(x)))
}

type decoderLayer[B tensor.Backend] struct {
	selfAttn  *nn.MultiHeadAttention[B]
	selfNorm  *nn.LayerNorm[B]
	crossAttn *nn.MultiHeadAttention[B]
	crossNorm *nn.LayerNorm[B]
	ffn       *nn.FFN[B]
	ffnNorm   *nn.LayerNorm[B]
}

func (l *decoderLayer[B]) forward(x, memory, causal, memMask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = l.selfNorm.Forward(x.Add(l.selfAttn.Forward(x, x, x, causal)))
	x = l.crossNorm.Forward(x.Add(l.crossAttn.Forward(x, memory, memory, memMask)))
	return l.ffnNorm.Forward(x.Add(l.ffn.Forward(x)))
}

// network is a post-norm Transformer encoder-decoder with learned
// positions. Parameter names follow the BART layout so pretrained
// checkpoints line up where shapes agree.
type network[B tensor.Backend] struct {
	cfg     Config
	backend B

	encTokens *nn.Embedding[B]
	encPos    *nn.LearnedPositionalEmbedding[B]
	encNorm   *nn.LayerNorm[B]
	encoder   []*encoderLayer[B]

	decTokens *nn.Embedding[B]
	decPos    *nn.LearnedPositionalEmbedding[B]
	decNorm   *nn.LayerNorm[B]
	decoder   []*decoderLayer[B]

	lmHead *nn.Linear[B]

	params []namedParam[B]
}

func newNetwork[B tensor.Backend](cfg Config, backend B) *network[B] {
	d, eps := cfg.DModel, cfg.LayerNormEps
	n := &network[B]{
		cfg:       cfg,
		backend:   backend,
		encTokens: nn.NewEmbedding(cfg.VocabSize, d, backend),
		encPos:    nn.NewLearnedPositionalEmbedding(cfg.MaxPositionEmbeddings, d, backend),
		encNorm:   nn.NewLayerNorm(d, eps, backend),
		decPos:    nn.NewLearnedPositionalEmbedding(cfg.MaxPositionEmbeddings, d, backend),
		decNorm:   nn.NewLayerNorm(d, eps, backend),
		lmHead:    nn.NewLinear(d, cfg.DecoderVocabSize, backend),
	}
	if cfg.SharedEmbeddings {
		n.decTokens = n.encTokens
		n.add("model.shared.weight", n.encTokens.Weight)
	} else {
		n.decTokens = nn.NewEmbedding(cfg.DecoderVocabSize, d, backend)
		n.add("model.encoder.embed_tokens.weight", n.encTokens.Weight)
		n.add("model.decoder.embed_tokens.weight", n.decTokens.Weight)
	}

	n.add("model.encoder.embed_positions.weight", n.encPos.Embedding.Weight)
	n.addNorm("model.encoder.layernorm_embedding", n.encNorm)
	for i := 0; i < cfg.EncoderLayers; i++ {
		l := &encoderLayer[B]{
			selfAttn: nn.NewMultiHeadAttention(d, cfg.AttentionHeads, backend),
			selfNorm: nn.NewLayerNorm(d, eps, backend),
			ffn:      nn.NewFFN(d, cfg.FFNDim, backend),
			ffnNorm:  nn.NewLayerNorm(d, eps, backend),
		}
		p := fmt.Sprintf("model.encoder.layers.%d.", i)
		n.addAttention(p+"self_attn", l.selfAttn)
		n.addNorm(p+"self_attn_layer_norm", l.selfNorm)
		n.addFFN(p, l.ffn)
		n.addNorm(p+"final_layer_norm", l.ffnNorm)
		n.encoder = append(n.encoder, l)
	}

	n.add("model.decoder.embed_positions.weight", n.decPos.Embedding.Weight)
	n.addNorm("model.decoder.layernorm_embedding", n.decNorm)
	for i := 0; i < cfg.DecoderLayers; i++ {
		l := &decoderLayer[B]{
			selfAttn:  nn.NewMultiHeadAttention(d, cfg.AttentionHeads, backend),
			selfNorm:  nn.NewLayerNorm(d, eps, backend),
			crossAttn: nn.NewMultiHeadAttention(d, cfg.AttentionHeads, backend),
			crossNorm: nn.NewLayerNorm(d, eps, backend),
			ffn:       nn.NewFFN(d, cfg.FFNDim, backend),
			ffnNorm:   nn.NewLayerNorm(d, eps, backend),
		}
		p := fmt.Sprintf("model.decoder.layers.%d.", i)
		n.addAttention(p+"self_attn", l.selfAttn)
		n.addNorm(p+"self_attn_layer_norm", l.selfNorm)
		n.addAttention(p+"encoder_attn", l.crossAttn)
		n.addNorm(p+"encoder_attn_layer_norm", l.crossNorm)
		n.addFFN(p, l.ffn)
		n.addNorm(p+"final_layer_norm", l.ffnNorm)
		n.decoder = append(n.decoder, l)
	}

	n.add("lm_head.weight", n.lmHead.Weight())
	n.add("lm_head.bias", n.lmHead.Bias())
	return n
}

func (n *network[B]) add(name string, p *nn.Parameter[B]) {
	n.params = append(n.params, namedParam[B]{name: name, param: p})
}

func (n *network[B]) addLinear(prefix string, l *nn.Linear[B]) {
	n.add(prefix+".weight", l.Weight())
	n.add(prefix+".bias", l.Bias())
}

func (n *network[B]) addNorm(prefix string, l *nn.LayerNorm[B]) {
	n.add(prefix+".weight", l.Gamma)
	n.add(prefix+".bias", l.Beta)
}

func (n *network[B]) addAttention(prefix string, a *nn.MultiHeadAttention[B]) {
	n.addLinear(prefix+".q_proj", a.WQ)
	n.addLinear(prefix+".k_proj", a.WK)
	n.addLinear(prefix+".v_proj", a.WV)
	n.addLinear(prefix+".out_proj", a.WO)
}

func (n *network[B]) addFFN(prefix string, f *nn.FFN[B]) {
	n.addLinear(prefix+"fc1", f.Linear1)
	n.addLinear(prefix+"fc2", f.Linear2)
}

// initWeights redraws every parameter from a seeded generator: norm
// scales start at one, biases at zero, everything else from N(0, 0.02).
func (n *network[B]) initWeights(seed int64) {
	rng := rand.New(rand.NewPCG(uint64(seed), 0x5eed)) //nolint:gosec // weight init
	for _, np := range n.params {
		data := np.param.Tensor().Raw().AsFloat32()
		switch {
		case strings.HasSuffix(np.name, ".bias"):
			clear(data)
		case strings.Contains(np.name, "norm"):
			for i := range data {
				data[i] = 1
			}
		default:
			for i := range data {
				data[i] = float32(rng.NormFloat64() * 0.02)
			}
		}
	}
}

// ids builds an int32 tensor from flat ids.
func (n *network[B]) ids(flat []int32, shape ...int) *tensor.Tensor[int32, B] {
	t, err := tensor.FromSlice(flat, tensor.Shape(shape), n.backend)
	if err != nil {
		panic(err)
	}
	return t
}

// paddingMask is the additive [batch, 1, 1, T] key mask for padded
// source positions.
func (n *network[B]) paddingMask(flat []int32, batch, seqLen int, pad int32) *tensor.Tensor[float32, B] {
	data := make([]float32, batch*seqLen)
	for i, id := range flat {
		if id == pad {
			data[i] = maskValue
		}
	}
	m, err := tensor.FromSlice(data, tensor.Shape{batch, 1, 1, seqLen}, n.backend)
	if err != nil {
		panic(err)
	}
	return m
}

func (n *network[B]) embed(tokens *nn.Embedding[B], pos *nn.LearnedPositionalEmbedding[B], norm *nn.LayerNorm[B], flat []int32, batch, seqLen int) *tensor.Tensor[float32, B] {
	x := tokens.Forward(n.ids(flat, batch*seqLen)).Reshape(batch, seqLen, n.cfg.DModel)
	return norm.Forward(x.Add(pos.Forward(seqLen)))
}

// encode runs the encoder over padded source ids [batch*seqLen].
func (n *network[B]) encode(flat []int32, batch, seqLen int, mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := n.embed(n.encTokens, n.encPos, n.encNorm, flat, batch, seqLen)
	for _, l := range n.encoder {
		x = l.forward(x, mask)
	}
	return x
}

// decode runs the decoder and returns hidden states [batch*seqLen, d].
func (n *network[B]) decode(flat []int32, batch, seqLen int, memory, memMask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x := n.embed(n.decTokens, n.decPos, n.decNorm, flat, batch, seqLen)
	causal := nn.CausalMask(seqLen, n.backend)
	for _, l := range n.decoder {
		x = l.forward(x, memory, causal, memMask)
	}
	return x.Reshape(batch*seqLen, n.cfg.DModel)
}

// logits projects selected hidden rows onto the decoder vocabulary.
// rows nil keeps every row.
func (n *network[B]) logits(hidden *tensor.Tensor[float32, B], rows []int32) *tensor.Tensor[float32, B] {
	if rows != nil {
		hidden = hidden.Embedding(n.ids(rows, len(rows)))
	}
	return n.lmHead.Forward(hidden)
}

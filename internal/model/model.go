// Package model is the encoder-decoder network: construction from a
// model source, teacher-forced loss and gradient accumulation,
// autoregressive generation, and checkpoint persistence.
package model

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/generate"
	"github.com/born-ml/seq2seq/internal/arch"
	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/device"
	"github.com/born-ml/seq2seq/internal/hub"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/born-ml/seq2seq/internal/optimizer"
	"github.com/born-ml/seq2seq/internal/tokenize"
)

// TokenizerKey is the Source.Config entry naming the tokenizer (a
// directory or a tiktoken encoding) when no model names are given.
const TokenizerKey = "tokenizer"

// GenerateOptions are the decoding parameters.
type GenerateOptions struct {
	MaxLength         int
	DoSample          bool
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	Seed              int64

	// Beam search parameters. Decoding is greedy or sampled; these are
	// carried for configuration parity and only NumBeams is inspected.
	NumBeams      int
	LengthPenalty float32
	EarlyStopping bool
}

// GenerateOptionsFromArgs copies the decoding settings of a run.
func GenerateOptionsFromArgs(a config.Args) GenerateOptions {
	return GenerateOptions{
		MaxLength:         a.MaxLength,
		DoSample:          a.DoSample,
		TopK:              a.TopK,
		TopP:              a.TopP,
		RepetitionPenalty: a.RepetitionPenalty,
		Seed:              a.Seed(-1),
		NumBeams:          a.NumBeams,
		LengthPenalty:     a.LengthPenalty,
		EarlyStopping:     a.EarlyStopping,
	}
}

func (o GenerateOptions) sampling() generate.SamplingConfig {
	cfg := generate.SamplingConfig{
		TopP:          1.0,
		RepeatPenalty: o.RepetitionPenalty,
		Seed:          o.Seed,
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if o.DoSample {
		cfg.Temperature = 1.0
		cfg.TopK = o.TopK
		if o.TopP > 0 {
			cfg.TopP = o.TopP
		}
	}
	return cfg
}

// Model is a loaded encoder-decoder with its tokenizers. Methods are
// safe for concurrent use; calls into the network are serialised.
type Model struct {
	mu   sync.Mutex
	cfg  Config
	arch arch.Arch
	dev  device.Device
	enc  *tokenize.Tokenizer
	dec  *tokenize.Tokenizer
	eng  engine
	log  logger.Logger
	dir  string

	warnedBeams bool
}

// New builds a model from a source. Named models are resolved through
// the hub cache; weights found there are loaded by parameter name and
// shape, and everything else starts from a seeded initialisation.
func New(src config.Source, args config.Args, log logger.Logger) (*Model, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := src.Validate(); err != nil {
		return nil, err
	}
	a, err := arch.Parse(src.TypeKey())
	if err != nil {
		return nil, err
	}
	dev, err := device.Select(args.UseGPU)
	if err != nil {
		return nil, err
	}

	m := &Model{arch: a, dev: dev, log: log}
	cfg := DefaultConfig(a)
	weightDirs, err := m.resolve(src, &cfg)
	if err != nil {
		return nil, err
	}

	overrides := config.Overrides{}
	for k, v := range src.Config {
		if k != TokenizerKey {
			overrides[k] = v
		}
	}
	if err := cfg.applyOverrides(overrides); err != nil {
		return nil, err
	}
	cfg.ModelType = a.String()
	cfg.VocabSize = max(cfg.VocabSize, m.enc.VocabSize())
	cfg.DecoderVocabSize = max(cfg.DecoderVocabSize, m.dec.VocabSize())
	if cfg.SharedEmbeddings {
		v := max(cfg.VocabSize, cfg.DecoderVocabSize)
		cfg.VocabSize, cfg.DecoderVocabSize = v, v
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m.cfg = cfg

	tok, err := specialTokens(m.enc, m.dec)
	if err != nil {
		return nil, err
	}
	var buildErr error
	if err := guard("build network", func() { m.eng, buildErr = newEngine(dev, cfg, tok) }); err != nil {
		return nil, err
	}
	if buildErr != nil {
		return nil, buildErr
	}
	m.eng.initWeights(args.Seed(rand.Int64()))

	if err := m.loadWeights(weightDirs); err != nil {
		return nil, err
	}
	log.Info("model ready", "type", a, "device", dev, "d_model", cfg.DModel,
		"encoder_layers", cfg.EncoderLayers, "decoder_layers", cfg.DecoderLayers,
		"vocab", cfg.VocabSize, "decoder_vocab", cfg.DecoderVocabSize)
	return m, nil
}

// resolve loads the tokenizers named by src, overlays any config.json
// found, and returns the directories that may hold weights.
func (m *Model) resolve(src config.Source, cfg *Config) ([]string, error) {
	a := m.arch
	switch {
	case src.EncoderDecoderName != "":
		dir, err := hub.Resolve(src.EncoderDecoderName)
		if err != nil {
			return nil, err
		}
		m.dir = dir
		if hasSplitLayout(dir) {
			encDir, decDir := filepath.Join(dir, checkpoint.EncoderDir), filepath.Join(dir, checkpoint.DecoderDir)
			if err := m.loadTokenizers(encDir, decDir); err != nil {
				return nil, err
			}
			if _, err := cfg.readConfigFile(encDir); err != nil {
				return nil, err
			}
			return []string{encDir, decDir}, nil
		}
		if !a.Combined() {
			return nil, config.Resource("load "+dir, fmt.Errorf("%s models are stored as %s/ and %s/ subdirectories", a, checkpoint.EncoderDir, checkpoint.DecoderDir))
		}
		if err := m.loadTokenizers(dir, ""); err != nil {
			return nil, err
		}
		if _, err := cfg.readConfigFile(dir); err != nil {
			return nil, err
		}
		return []string{dir}, nil

	case src.EncoderName != "" && src.DecoderName != "":
		encDir, err := hub.Resolve(src.EncoderName)
		if err != nil {
			return nil, err
		}
		decDir, err := hub.Resolve(src.DecoderName)
		if err != nil {
			return nil, err
		}
		m.dir = encDir
		if err := m.loadTokenizers(encDir, decDir); err != nil {
			return nil, err
		}
		if _, err := cfg.readConfigFile(encDir); err != nil {
			return nil, err
		}
		return []string{encDir, decDir}, nil

	default:
		name, _ := src.Config[TokenizerKey].(string)
		if name == "" {
			return nil, config.Errorf("a model built from config alone needs a %q entry (tokenizer directory or tiktoken encoding)", TokenizerKey)
		}
		var (
			tok *tokenize.Tokenizer
			err error
		)
		if info, statErr := os.Stat(name); statErr == nil && info.IsDir() {
			tok, err = tokenize.Load(name, a.EncoderTokenizer())
		} else {
			tok, err = tokenize.NewTikToken(name)
		}
		if err != nil {
			return nil, err
		}
		m.enc, m.dec = tok, tok
		return nil, nil
	}
}

// loadTokenizers reads the encoder tokenizer from encDir and the decoder
// tokenizer from decDir; an empty decDir shares the encoder's.
func (m *Model) loadTokenizers(encDir, decDir string) error {
	enc, err := tokenize.Load(encDir, m.arch.EncoderTokenizer())
	if err != nil {
		return err
	}
	dec := enc
	if decDir != "" {
		if dec, err = tokenize.Load(decDir, m.arch.DecoderTokenizer()); err != nil {
			return err
		}
	}
	m.enc, m.dec = enc, dec
	return nil
}

func newEngine(dev device.Device, cfg Config, tok tokens) (engine, error) {
	if dev.Kind == device.WebGPU {
		return newGPUEngine(cfg, tok)
	}
	return newAutodiffEngine(cpu.New(), cfg, tok), nil
}

func specialTokens(enc, dec *tokenize.Tokenizer) (tokens, error) {
	es, ds := enc.Specials(), dec.Specials()
	tok := tokens{srcPad: es.Pad, tgtPad: ds.Pad, eos: ds.EOS, start: ds.DecoderStart}
	if tok.srcPad < 0 || tok.tgtPad < 0 {
		return tok, config.Errorf("tokenizer has no padding token")
	}
	if tok.eos < 0 || tok.start < 0 {
		return tok, config.Errorf("decoder tokenizer has no end-of-sequence or decoder start token")
	}
	return tok, nil
}

func (m *Model) loadWeights(dirs []string) error {
	var total loadReport
	for _, dir := range dirs {
		var (
			rep     loadReport
			readErr error
		)
		if err := guard("load weights", func() { rep, readErr = readWeights(m.eng, dir) }); err != nil {
			return err
		}
		if readErr != nil {
			return readErr
		}
		total.loaded += rep.loaded
		total.unknown = append(total.unknown, rep.unknown...)
		total.mismatched = append(total.mismatched, rep.mismatched...)
	}
	switch {
	case len(dirs) == 0:
	case total.loaded == 0:
		m.log.Warn("no compatible weights found; using fresh initialisation", "dirs", dirs)
	default:
		m.log.Info("loaded weights", "tensors", total.loaded)
	}
	if n := len(total.unknown) + len(total.mismatched); n > 0 {
		m.log.Warn("skipped pretrained tensors", "unknown", len(total.unknown), "shape_mismatch", len(total.mismatched),
			"examples", strings.Join(firstN(append(total.mismatched, total.unknown...), 5), ","))
	}
	return nil
}

func firstN(s []string, n int) []string {
	return s[:min(n, len(s))]
}

func hasSplitLayout(dir string) bool {
	for _, sub := range []string{checkpoint.EncoderDir, checkpoint.DecoderDir} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// guard runs fn and turns a panic into an error.
func guard(op string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%s: %w", op, e)
				return
			}
			err = fmt.Errorf("%s: %v", op, r)
		}
	}()
	fn()
	return nil
}

// Config is the network configuration.
func (m *Model) Config() Config { return m.cfg }

// Arch is the architecture.
func (m *Model) Arch() arch.Arch { return m.arch }

// Device is where the network runs.
func (m *Model) Device() device.Device { return m.dev }

// Dir is the directory the model was loaded from, empty for a model
// built from config alone.
func (m *Model) Dir() string { return m.dir }

// EncoderTokenizer tokenizes source text.
func (m *Model) EncoderTokenizer() *tokenize.Tokenizer { return m.enc }

// DecoderTokenizer tokenizes and decodes target text.
func (m *Model) DecoderTokenizer() *tokenize.Tokenizer { return m.dec }

func (m *Model) checkBatch(src, tgt [][]int32) error {
	check := func(side string, rows [][]int32, vocab int) error {
		for i, r := range rows {
			if len(r) > m.cfg.MaxPositionEmbeddings {
				return fmt.Errorf("%w: %s row %d has %d tokens, the model takes at most %d", config.ErrInput, side, i, len(r), m.cfg.MaxPositionEmbeddings)
			}
			for _, id := range r {
				if id < 0 || int(id) >= vocab {
					return fmt.Errorf("%w: %s row %d has token id %d outside the vocabulary", config.ErrInput, side, i, id)
				}
			}
		}
		return nil
	}
	if tgt != nil && len(src) != len(tgt) {
		return fmt.Errorf("%w: %d sources but %d targets", config.ErrInput, len(src), len(tgt))
	}
	if err := check("source", src, m.cfg.VocabSize); err != nil {
		return err
	}
	return check("target", tgt, m.cfg.DecoderVocabSize)
}

// Loss is the mean teacher-forced cross-entropy of a batch, without
// touching gradients.
func (m *Model) Loss(b dataset.Batch) (float64, error) {
	if b.Size() == 0 {
		return 0, nil
	}
	if err := m.checkBatch(b.Source, b.Target); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var loss float64
	err := guard("loss", func() { loss = m.eng.loss(b.Source, b.Target) })
	return loss, err
}

// Backward computes the batch loss and adds scale times its gradient to
// the pending update. It returns the unscaled loss.
func (m *Model) Backward(b dataset.Batch, scale float64) (float64, error) {
	if b.Size() == 0 {
		return 0, nil
	}
	if err := m.checkBatch(b.Source, b.Target); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var loss float64
	err := guard("backward", func() { loss = m.eng.backward(b.Source, b.Target, scale) })
	return loss, err
}

// ConfigureOptimizer prepares AdamW for Step.
func (m *Model) ConfigureOptimizer(cfg optimizer.Config, maxGradNorm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eng.configureOptimizer(cfg, maxGradNorm)
}

// Step applies the pending gradients at learning rate lr.
func (m *Model) Step(lr float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return guard("optimizer step", func() { m.eng.step(lr) })
}

// OptimizerState is what optimizer.pt records.
func (m *Model) OptimizerState() checkpoint.OptimizerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng.optimizerState()
}

// RestoreOptimizer resumes the optimizer counters and moment estimates.
func (m *Model) RestoreOptimizer(s checkpoint.OptimizerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if gerr := guard("restore optimizer", func() { err = m.eng.restoreOptimizer(s) }); gerr != nil {
		return gerr
	}
	if err != nil {
		return config.Resource("restore optimizer", err)
	}
	return nil
}

// Generate decodes one output per source row. Outputs exclude the
// decoder start token and stop before end-of-sequence.
func (m *Model) Generate(src [][]int32, opts GenerateOptions) ([][]int32, error) {
	if len(src) == 0 {
		return nil, nil
	}
	if err := m.checkBatch(src, nil); err != nil {
		return nil, err
	}
	if opts.MaxLength < 2 {
		return nil, config.Errorf("max_length must be at least 2, got %d", opts.MaxLength)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if opts.NumBeams > 1 && !m.warnedBeams {
		m.log.Warn("beam search is not available; decoding greedily", "num_beams", opts.NumBeams)
		m.warnedBeams = true
	}
	var out [][]int32
	err := guard("generate", func() { out = m.eng.generate(src, opts) })
	return out, err
}

// Save writes weights, config and tokenizers into dir: one directory for
// combined architectures, encoder/ and decoder/ subdirectories otherwise.
func (m *Model) Save(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := map[string]string{"format": "pt", "model_type": m.cfg.ModelType}

	type part struct {
		dir  string
		keep func(string) bool
		tok  *tokenize.Tokenizer
	}
	parts := []part{{dir: dir, keep: func(string) bool { return true }, tok: m.enc}}
	if !m.arch.Combined() {
		parts = []part{
			{dir: filepath.Join(dir, checkpoint.EncoderDir), keep: isEncoderWeight, tok: m.enc},
			{dir: filepath.Join(dir, checkpoint.DecoderDir), keep: func(n string) bool { return !isEncoderWeight(n) }, tok: m.dec},
		}
	}
	for _, p := range parts {
		if err := os.MkdirAll(p.dir, 0o750); err != nil {
			return config.Resource("create model dir", err)
		}
		if err := writeWeights(m.eng, p.dir, p.keep, meta); err != nil {
			return err
		}
		if err := m.cfg.write(p.dir); err != nil {
			return err
		}
		if err := p.tok.Save(p.dir); err != nil {
			return err
		}
	}
	return nil
}

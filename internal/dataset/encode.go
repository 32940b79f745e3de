package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/logger"
	json "github.com/goccy/go-json"
)

// Modes name what a dataset is used for; they key the cache.
const (
	ModeTrain = "train"
	ModeDev   = "dev"
)

// Encoder turns text into token ids. *tokenize.Tokenizer satisfies it.
type Encoder interface {
	EncodeSequence(text string, maxLen int) ([]int32, error)
	EncodeTarget(text string, maxLen int) ([]int32, error)
}

// Encoded is one example as token ids.
type Encoded struct {
	Source []int32 `json:"source_ids"`
	Target []int32 `json:"target_ids"`
}

// Dataset pairs the raw examples with their encodings, index for index.
type Dataset struct {
	Examples []Example
	Encoded  []Encoded
}

// Len is the number of examples.
func (d *Dataset) Len() int { return len(d.Examples) }

// Options control encoding and caching.
type Options struct {
	Mode          string
	ModelType     string
	MaxSeqLength  int
	WithPrefix    bool
	CacheDir      string
	NoCache       bool
	Reprocess     bool
	UseCachedEval bool
}

// OptionsFromArgs derives encoding options from the run configuration.
func OptionsFromArgs(args config.Args, mode string) Options {
	return Options{
		Mode:          mode,
		ModelType:     args.ModelType,
		MaxSeqLength:  args.MaxSeqLength,
		WithPrefix:    args.PreprocessInputs,
		CacheDir:      args.CacheDir,
		NoCache:       args.NoCache,
		Reprocess:     args.ReprocessInputData,
		UseCachedEval: args.UseCachedEvalFeatures,
	}
}

// CachePath is where the encoded form of n examples is cached.
func (o Options) CachePath(n int) string {
	typ := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(o.ModelType)
	if typ == "" {
		typ = "model"
	}
	return filepath.Join(o.CacheDir, fmt.Sprintf("cached_%s_%s_%d_%d", o.Mode, typ, o.MaxSeqLength, n))
}

func (o Options) reuseCache() bool {
	if o.NoCache || o.CacheDir == "" {
		return false
	}
	if o.Mode == ModeDev && o.UseCachedEval {
		return true
	}
	return !o.Reprocess
}

// Build encodes examples, reading from or writing to the cache as the
// options allow.
func Build(examples []Example, src, tgt Encoder, opts Options, log logger.Logger) (*Dataset, error) {
	if log == nil {
		log = logger.Discard()
	}
	path := opts.CachePath(len(examples))

	if opts.reuseCache() {
		enc, err := readCache(path, len(examples))
		switch {
		case err == nil:
			log.Info("loaded encoded examples from cache", "path", path, "examples", len(enc))
			return &Dataset{Examples: examples, Encoded: enc}, nil
		case !errors.Is(err, fs.ErrNotExist):
			log.Warn("ignoring unreadable cache", "path", path, "err", err)
		}
	}

	enc := make([]Encoded, len(examples))
	for i, ex := range examples {
		s, err := src.EncodeSequence(ex.SourceText(opts.WithPrefix), opts.MaxSeqLength)
		if err != nil {
			return nil, fmt.Errorf("%w: example %d: encode input: %w", config.ErrInput, i, err)
		}
		t, err := tgt.EncodeTarget(ex.TargetText, opts.MaxSeqLength)
		if err != nil {
			return nil, fmt.Errorf("%w: example %d: encode target: %w", config.ErrInput, i, err)
		}
		enc[i] = Encoded{Source: s, Target: t}
	}
	log.Info("encoded examples", "mode", opts.Mode, "examples", len(enc))

	if !opts.NoCache && opts.CacheDir != "" {
		if err := writeCache(path, enc); err != nil {
			return nil, err
		}
		log.Debug("saved encoded examples", "path", path)
	}
	return &Dataset{Examples: examples, Encoded: enc}, nil
}

func readCache(path string, n int) ([]Encoded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var enc []Encoded
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, err
	}
	if len(enc) != n {
		return nil, fmt.Errorf("cache holds %d examples, want %d", len(enc), n)
	}
	return enc, nil
}

func writeCache(path string, enc []Encoded) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return config.Resource("create cache dir", err)
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return config.Resource("write cache", err)
	}
	return nil
}

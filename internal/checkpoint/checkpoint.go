// Package checkpoint owns the on-disk layout of saved models.
//
//	<output_dir>/checkpoint-<step>[-epoch-<n>]/
//	    model.safetensors, config.json, tokenizer files   (combined models)
//	    encoder/..., decoder/...                          (split models)
//	    training_args.bin   effective configuration (JSON)
//	    optimizer.pt        optimizer state (JSON)
//	    optimizer.safetensors  Adam moment estimates
//	    scheduler.pt        learning-rate schedule state (JSON)
//	    eval_results.txt    sorted "key = value" lines
//
// Checkpoint directories are only ever added; later checkpoints supersede
// earlier ones without deleting them.
package checkpoint

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// File names inside a checkpoint directory.
const (
	WeightsFile   = "model.safetensors"
	ConfigFile    = "config.json"
	ArgsFile      = "training_args.bin"
	OptimizerFile = "optimizer.pt"
	MomentsFile   = "optimizer.safetensors"
	SchedulerFile = "scheduler.pt"
	ResultsFile   = "eval_results.txt"
	EncoderDir    = "encoder"
	DecoderDir    = "decoder"
)

// StepDir is the directory for a step checkpoint.
func StepDir(outputDir string, step int) string {
	return filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d", step))
}

// EpochDir is the directory for an end-of-epoch checkpoint.
func EpochDir(outputDir string, step, epoch int) string {
	return filepath.Join(outputDir, fmt.Sprintf("checkpoint-%d-epoch-%d", step, epoch))
}

// ModelSaver writes model weights, model config and tokenizers into a
// directory.
type ModelSaver interface {
	Save(dir string) error
}

// OptimizerState is what optimizer.pt records. Moments holds the Adam
// moment estimates keyed "m.<i>" and "v.<i>" by parameter index; they
// are stored separately in optimizer.safetensors.
type OptimizerState struct {
	Step        int               `json:"step"`
	LR          float64           `json:"lr"`
	WeightDecay float64           `json:"weight_decay"`
	Epsilon     float64           `json:"eps"`
	Moments     map[string]Tensor `json:"-"`
}

// SchedulerState is what scheduler.pt records.
type SchedulerState struct {
	Step        int     `json:"last_epoch"`
	BaseLR      float64 `json:"base_lr"`
	WarmupSteps int     `json:"warmup_steps"`
	TotalSteps  int     `json:"total_steps"`
	LastLR      float64 `json:"last_lr"`
}

// Contents selects what Save writes. Nil fields are skipped.
type Contents struct {
	Model     ModelSaver
	Args      *config.Args
	Optimizer *OptimizerState
	Scheduler *SchedulerState
	Results   map[string]float64
}

// Save creates dir and writes the selected contents.
func Save(dir string, c Contents) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return config.Resource("create checkpoint dir", err)
	}
	if c.Model != nil {
		if err := c.Model.Save(dir); err != nil {
			return err
		}
	}
	if c.Args != nil {
		data, err := c.Args.Marshal()
		if err != nil {
			return err
		}
		if err := writeFile(filepath.Join(dir, ArgsFile), data); err != nil {
			return err
		}
	}
	if c.Optimizer != nil {
		if err := writeJSON(filepath.Join(dir, OptimizerFile), c.Optimizer); err != nil {
			return err
		}
		if len(c.Optimizer.Moments) > 0 {
			if err := WriteSafeTensors(filepath.Join(dir, MomentsFile), c.Optimizer.Moments, nil); err != nil {
				return config.Resource("write "+MomentsFile, err)
			}
		}
	}
	if c.Scheduler != nil {
		if err := writeJSON(filepath.Join(dir, SchedulerFile), c.Scheduler); err != nil {
			return err
		}
	}
	if c.Results != nil {
		if err := WriteResults(dir, c.Results); err != nil {
			return err
		}
	}
	return nil
}

// LoadTrainingState reads optimizer.pt and scheduler.pt from dir, plus
// the moment estimates when optimizer.safetensors is present. ok is
// false unless both .pt files exist.
func LoadTrainingState(dir string) (opt OptimizerState, sched SchedulerState, ok bool, err error) {
	if !exists(filepath.Join(dir, OptimizerFile)) || !exists(filepath.Join(dir, SchedulerFile)) {
		return opt, sched, false, nil
	}
	if err := readJSON(filepath.Join(dir, OptimizerFile), &opt); err != nil {
		return opt, sched, false, err
	}
	if err := readJSON(filepath.Join(dir, SchedulerFile), &sched); err != nil {
		return opt, sched, false, err
	}
	if path := filepath.Join(dir, MomentsFile); exists(path) {
		if opt.Moments, err = ReadSafeTensors(path); err != nil {
			return opt, sched, false, err
		}
	}
	return opt, sched, true, nil
}

// LoadArgs reads training_args.bin from dir.
func LoadArgs(dir string) (config.Args, error) {
	data, err := os.ReadFile(filepath.Join(dir, ArgsFile)) //nolint:gosec // checkpoint path
	if err != nil {
		return config.Args{}, config.Resource("read "+ArgsFile, err)
	}
	return config.Unmarshal(data)
}

// WriteResults writes results to dir/eval_results.txt, keys sorted.
func WriteResults(dir string, results map[string]float64) error {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s = %s\n", k, strconv.FormatFloat(results[k], 'g', -1, 64))
	}
	return writeFile(filepath.Join(dir, ResultsFile), []byte(sb.String()))
}

// ReadResults parses an eval_results.txt file.
func ReadResults(dir string) (map[string]float64, error) {
	f, err := os.Open(filepath.Join(dir, ResultsFile)) //nolint:gosec // checkpoint path
	if err != nil {
		return nil, config.Resource("open "+ResultsFile, err)
	}
	defer func() { _ = f.Close() }()

	out := map[string]float64{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), " = ")
		if !ok {
			continue
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", ResultsFile, k, err)
		}
		out[k] = x
	}
	return out, sc.Err()
}

// IsEmptyDir reports whether dir is missing or has no entries.
func IsEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, config.Resource("read output dir", err)
	}
	return len(entries) == 0, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path) //nolint:gosec // checkpoint path
	if err != nil {
		return config.Resource("read "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %w", config.ErrResource, filepath.Base(path), err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return config.Resource("write "+filepath.Base(path), err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

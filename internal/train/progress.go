package train

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/born-ml/seq2seq/internal/config"
)

// ProgressFile is the per-evaluation score table in the output directory.
const ProgressFile = "training_progress_scores.csv"

type progressRow struct {
	globalStep int
	trainLoss  float64
	results    map[string]float64
}

// progressTable accumulates one row per evaluation and rewrites the
// whole file on each append.
type progressTable struct {
	path string
	rows []progressRow
}

func newProgressTable(outputDir string) *progressTable {
	return &progressTable{path: filepath.Join(outputDir, ProgressFile)}
}

func (p *progressTable) append(step int, trainLoss float64, results map[string]float64) error {
	p.rows = append(p.rows, progressRow{globalStep: step, trainLoss: trainLoss, results: results})
	return p.write()
}

// columns is global_step, train_loss, eval_loss, then the remaining
// metric names sorted.
func (p *progressTable) columns() []string {
	seen := map[string]bool{}
	var extra []string
	for _, r := range p.rows {
		for k := range r.results {
			if k != "eval_loss" && !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append([]string{"global_step", "train_loss", "eval_loss"}, extra...)
}

func (p *progressTable) write() error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return config.Resource("create output dir", err)
	}
	f, err := os.Create(p.path) //nolint:gosec // output path from configuration
	if err != nil {
		return config.Resource("write "+ProgressFile, err)
	}
	w := csv.NewWriter(f)
	cols := p.columns()
	_ = w.Write(cols)
	for _, r := range p.rows {
		rec := []string{strconv.Itoa(r.globalStep), formatFloat(r.trainLoss)}
		for _, c := range cols[2:] {
			if v, ok := r.results[c]; ok {
				rec = append(rec, formatFloat(v))
			} else {
				rec = append(rec, "")
			}
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return config.Resource("write "+ProgressFile, err)
	}
	if err := f.Close(); err != nil {
		return config.Resource("write "+ProgressFile, err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

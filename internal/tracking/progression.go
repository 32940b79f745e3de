package tracking

import (
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
)

// ProgressionFileName is the conventional status file name.
const ProgressionFileName = "training_progression.json"

// progressionFile is the on-disk status document.
type progressionFile struct {
	CurrentStep     *int64             `json:"current_step,omitempty"`
	TotalSteps      *int64             `json:"total_steps,omitempty"`
	CurrentEpoch    *int64             `json:"current_epoch,omitempty"`
	TotalEpochs     *int64             `json:"total_epochs,omitempty"`
	Message         string             `json:"message,omitempty"`
	TrainingMetrics map[string]float64 `json:"training_metrics,omitempty"`
	Metrics         map[string]float64 `json:"metrics,omitempty"`
	Timestamp       int64              `json:"timestamp"`
	StartTime       *int64             `json:"start_time,omitempty"`
}

// ProgressionFile rewrites a status document on every update.
type ProgressionFile struct {
	path  string
	start int64
	now   func() time.Time
}

// NewProgressionFile writes status updates to path.
func NewProgressionFile(path string) *ProgressionFile {
	return &ProgressionFile{path: path, start: time.Now().Unix(), now: time.Now}
}

// Scalar is not recorded in the status file.
func (p *ProgressionFile) Scalar(string, float64, int) error { return nil }

// Progress replaces the status document atomically.
func (p *ProgressionFile) Progress(s Status) error {
	doc := progressionFile{
		CurrentStep:     ptr(int64(s.CurrentStep)),
		CurrentEpoch:    ptr(int64(s.CurrentEpoch)),
		Message:         s.Message,
		TrainingMetrics: s.TrainingMetrics,
		Metrics:         s.Metrics,
		Timestamp:       p.now().Unix(),
		StartTime:       ptr(p.start),
	}
	if s.TotalSteps > 0 {
		doc.TotalSteps = ptr(int64(s.TotalSteps))
	}
	if s.TotalEpochs > 0 {
		doc.TotalEpochs = ptr(int64(s.TotalEpochs))
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o750); err != nil {
		return config.Resource("create progression dir", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return config.Resource("write progression file", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return config.Resource("replace progression file", err)
	}
	return nil
}

// Close is a no-op; the last status stays on disk.
func (p *ProgressionFile) Close() error { return nil }

func ptr[T any](v T) *T { return &v }

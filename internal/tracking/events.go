package tracking

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/born-ml/seq2seq/internal/config"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event is one line of the event log.
type Event struct {
	RunID    string  `json:"run_id"`
	Step     int     `json:"step"`
	Tag      string  `json:"tag"`
	Value    float64 `json:"value"`
	WallTime float64 `json:"wall_time"`
}

// EventLog appends scalar events to events.<run-id>.jsonl.
type EventLog struct {
	runID string
	path  string
	f     *os.File
	w     *bufio.Writer
	now   func() time.Time
}

// NewEventLog creates a fresh log file for a new run in dir.
func NewEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, config.Resource("create event log dir", err)
	}
	id := uuid.NewString()
	path := filepath.Join(dir, fmt.Sprintf("events.%s.jsonl", id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // run-owned path
	if err != nil {
		return nil, config.Resource("create event log", err)
	}
	return &EventLog{runID: id, path: path, f: f, w: bufio.NewWriter(f), now: time.Now}, nil
}

// RunID identifies this run's events.
func (l *EventLog) RunID() string { return l.runID }

// Path is the log file.
func (l *EventLog) Path() string { return l.path }

// Scalar appends one event and flushes it.
func (l *EventLog) Scalar(tag string, value float64, step int) error {
	data, err := json.Marshal(Event{
		RunID:    l.runID,
		Step:     step,
		Tag:      tag,
		Value:    value,
		WallTime: float64(l.now().UnixNano()) / 1e9,
	})
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := l.w.Write(data); err != nil {
		return config.Resource("write event", err)
	}
	if err := l.w.Flush(); err != nil {
		return config.Resource("flush event log", err)
	}
	return nil
}

// Progress is not recorded in the event log.
func (l *EventLog) Progress(Status) error { return nil }

// Close flushes and closes the file.
func (l *EventLog) Close() error {
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return config.Resource("flush event log", err)
	}
	return l.f.Close()
}

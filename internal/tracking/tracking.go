// Package tracking records training telemetry: scalar series in a JSON
// Lines event log and a progression status file that job controllers
// can poll.
package tracking

import (
	"errors"
	"os"

	"github.com/born-ml/seq2seq/internal/config"
)

// EnvProgressionFile overrides the progression file path when the run
// configuration does not set one.
const EnvProgressionFile = "TRAINJOB_PROGRESSION_FILE_PATH"

// Status is a snapshot of training progress.
type Status struct {
	CurrentStep     int
	TotalSteps      int
	CurrentEpoch    int
	TotalEpochs     int
	Message         string
	TrainingMetrics map[string]float64
	Metrics         map[string]float64
}

// Sink receives telemetry. Implementations are not required to be safe
// for concurrent use.
type Sink interface {
	Scalar(tag string, value float64, step int) error
	Progress(s Status) error
	Close() error
}

type nop struct{}

func (nop) Scalar(string, float64, int) error { return nil }
func (nop) Progress(Status) error             { return nil }
func (nop) Close() error                      { return nil }

// Nop discards everything.
func Nop() Sink { return nop{} }

type multi []Sink

func (m multi) Scalar(tag string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Scalar(tag, value, step))
	}
	return errors.Join(errs...)
}

func (m multi) Progress(st Status) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Progress(st))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Multi fans out to every sink.
func Multi(sinks ...Sink) Sink {
	switch len(sinks) {
	case 0:
		return Nop()
	case 1:
		return sinks[0]
	}
	return multi(sinks)
}

// FromArgs opens the sinks a run configuration asks for: an event log
// under tensorboard_dir and a progression file at progression_file (or
// $TRAINJOB_PROGRESSION_FILE_PATH).
func FromArgs(args config.Args) (Sink, error) {
	var sinks []Sink
	if args.TensorboardDir != "" {
		ev, err := NewEventLog(args.TensorboardDir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ev)
	}
	path := args.ProgressionFile
	if path == "" {
		path = os.Getenv(EnvProgressionFile)
	}
	if path != "" {
		sinks = append(sinks, NewProgressionFile(path))
	}
	return Multi(sinks...), nil
}

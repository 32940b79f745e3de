package train

import "github.com/born-ml/seq2seq/internal/config"

// Evaluation levels. Each keeps its own patience counter; both share the
// best value, and an improvement at either level resets both counters.
const (
	levelStep = iota
	levelEpoch
	numLevels
)

// stopper tracks the best value of the monitored metric and how many
// evaluations in a row failed to beat it.
type stopper struct {
	metric   string
	minimize bool
	delta    float64
	patience int
	enabled  bool

	best    float64
	hasBest bool
	counter [numLevels]int
}

func newStopper(a config.Args) *stopper {
	return &stopper{
		metric:   a.EarlyStoppingMetric,
		minimize: a.EarlyStoppingMetricMinimize,
		delta:    a.EarlyStoppingDelta,
		patience: a.EarlyStoppingPatience,
		enabled:  a.UseEarlyStopping,
	}
}

// observe records one evaluation. canStop gates whether a non-improving
// result at this level counts toward stopping.
func (s *stopper) observe(results map[string]float64, level int, canStop bool) (improved, stop bool, err error) {
	v, ok := results[s.metric]
	if !ok {
		return false, false, config.Errorf("early_stopping_metric %q is not among the evaluation results", s.metric)
	}
	if !s.hasBest || s.better(v) {
		s.best, s.hasBest = v, true
		s.counter = [numLevels]int{}
		return true, false, nil
	}
	if !s.enabled || !canStop {
		return false, false, nil
	}
	s.counter[level]++
	return false, s.counter[level] >= s.patience, nil
}

func (s *stopper) better(v float64) bool {
	if s.minimize {
		return s.best-v > s.delta
	}
	return v-s.best > s.delta
}

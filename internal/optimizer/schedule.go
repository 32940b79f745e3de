package optimizer

import "github.com/born-ml/seq2seq/internal/checkpoint"

// LinearSchedule ramps the learning rate from 0 to BaseLR over
// WarmupSteps updates, then decays it linearly to 0 at TotalSteps.
type LinearSchedule struct {
	BaseLR      float64
	WarmupSteps int
	TotalSteps  int
	step        int
}

// LR is the learning rate for the next update.
func (s *LinearSchedule) LR() float64 {
	return s.BaseLR * s.factor(s.step)
}

// Advance moves to the next update.
func (s *LinearSchedule) Advance() { s.step++ }

// Step is the number of updates taken so far.
func (s *LinearSchedule) Step() int { return s.step }

func (s *LinearSchedule) factor(step int) float64 {
	if step < s.WarmupSteps {
		return float64(step) / float64(max(1, s.WarmupSteps))
	}
	remaining := float64(s.TotalSteps - step)
	span := float64(max(1, s.TotalSteps-s.WarmupSteps))
	return max(0, remaining/span)
}

// State snapshots what scheduler.pt stores.
func (s *LinearSchedule) State() checkpoint.SchedulerState {
	return checkpoint.SchedulerState{
		Step:        s.step,
		BaseLR:      s.BaseLR,
		WarmupSteps: s.WarmupSteps,
		TotalSteps:  s.TotalSteps,
		LastLR:      s.BaseLR * s.factor(max(0, s.step-1)),
	}
}

// Restore continues from a saved position. The shape of the schedule
// (base rate, warmup, total) stays as configured for this run.
func (s *LinearSchedule) Restore(st checkpoint.SchedulerState) {
	s.step = st.Step
}

package train

import (
	"path/filepath"
	"strconv"
	"strings"
)

// ResumeState is the training position recovered from a checkpoint name.
type ResumeState struct {
	GlobalStep          int
	EpochsTrained       int
	StepsTrainedInEpoch int
}

// ParseResume recovers the training position from a checkpoint path such
// as outputs/checkpoint-1200 or outputs/checkpoint-1200-epoch-3. The last
// path element is split on "-": with more than two parts the second is
// the step, otherwise the last part is. ok is false when that part is not
// a non-negative integer, in which case training starts from scratch.
//
// Steps are optimizer updates; an epoch holds batchesPerEpoch /
// accumulation of them.
func ParseResume(modelName string, batchesPerEpoch, accumulation int) (ResumeState, bool) {
	parts := strings.Split(filepath.Base(filepath.Clean(modelName)), "-")
	suffix := parts[len(parts)-1]
	if len(parts) > 2 {
		suffix = parts[1]
	}
	step, err := strconv.Atoi(suffix)
	if err != nil || step < 0 {
		return ResumeState{}, false
	}
	perEpoch := updatesPerEpoch(batchesPerEpoch, accumulation)
	return ResumeState{
		GlobalStep:          step,
		EpochsTrained:       step / perEpoch,
		StepsTrainedInEpoch: step % perEpoch,
	}, true
}

func updatesPerEpoch(batches, accumulation int) int {
	return max(1, batches/max(1, accumulation))
}

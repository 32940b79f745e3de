package train

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/optimizer"
	"github.com/born-ml/seq2seq/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLearner struct {
	scales   []float64
	seen     []int
	lrs      []float64
	saves    []string
	cfg      optimizer.Config
	restored *checkpoint.OptimizerState
}

func (f *fakeLearner) Backward(b dataset.Batch, scale float64) (float64, error) {
	f.scales = append(f.scales, scale)
	f.seen = append(f.seen, b.Index...)
	return 1, nil
}

func (f *fakeLearner) Step(lr float64) error {
	f.lrs = append(f.lrs, lr)
	return nil
}

func (f *fakeLearner) ConfigureOptimizer(cfg optimizer.Config, _ float64) { f.cfg = cfg }

func (f *fakeLearner) OptimizerState() checkpoint.OptimizerState {
	s := checkpoint.OptimizerState{
		Step:        len(f.lrs),
		WeightDecay: f.cfg.WeightDecay,
		Epsilon:     f.cfg.Epsilon,
		Moments:     map[string]checkpoint.Tensor{"m.0": {Shape: []int{1}, Data: []float32{float32(len(f.lrs))}}},
	}
	if n := len(f.lrs); n > 0 {
		s.LR = f.lrs[n-1]
	}
	return s
}

func (f *fakeLearner) RestoreOptimizer(s checkpoint.OptimizerState) error {
	f.restored = &s
	return nil
}

func (f *fakeLearner) Save(dir string) error {
	f.saves = append(f.saves, dir)
	return os.WriteFile(filepath.Join(dir, checkpoint.WeightsFile), []byte("w"), 0o600)
}

func testArgs(t *testing.T) config.Args {
	t.Helper()
	root := t.TempDir()
	a := config.Defaults()
	a.OutputDir = filepath.Join(root, "run")
	a.BestModelDir = filepath.Join(root, "best")
	a.SaveModelEveryEpoch = false
	a.SaveSteps = 0
	a.LoggingSteps = 0
	a.WarmupRatio = 0
	a.LearningRate = 1
	return a
}

// batches returns a loader over n single-example batches.
func batches(n int, shuffle bool, seed int64) *dataset.Loader {
	enc := make([]dataset.Encoded, n)
	for i := range enc {
		enc[i] = dataset.Encoded{Source: []int32{int32(i)}, Target: []int32{int32(i)}}
	}
	return dataset.NewLoader(enc, 1, shuffle, seed)
}

func losses(vals ...float64) (Evaluator, *int) {
	calls := 0
	return func(context.Context) (map[string]float64, error) {
		v := vals[min(calls, len(vals)-1)]
		calls++
		return map[string]float64{"eval_loss": v}, nil
	}, &calls
}

func run(t *testing.T, l Learner, opts Options) Result {
	t.Helper()
	tr, err := New(l, opts)
	require.NoError(t, err)
	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	return res
}

func TestParseResume(t *testing.T) {
	tests := []struct {
		name         string
		batches, acc int
		want         ResumeState
		ok           bool
	}{
		{"outputs/checkpoint-10", 4, 1, ResumeState{10, 2, 2}, true},
		{"outputs/checkpoint-6-epoch-2", 4, 1, ResumeState{6, 1, 2}, true},
		{"outputs/checkpoint-6/", 8, 2, ResumeState{6, 1, 2}, true},
		{"checkpoint-0", 4, 1, ResumeState{}, true},
		{"outputs/best_model", 4, 1, ResumeState{}, false},
		{"facebook/bart-base", 4, 1, ResumeState{}, false},
		{"checkpoint-x-epoch-1", 4, 1, ResumeState{}, false},
		{"checkpoint--3", 4, 1, ResumeState{}, false},
		{"checkpoint-5", 1, 4, ResumeState{5, 5, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseResume(tt.name, tt.batches, tt.acc)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGradientAccumulation(t *testing.T) {
	for _, acc := range []int{1, 3, 4} {
		args := testArgs(t)
		args.GradientAccumulationSteps = acc
		args.NumTrainEpochs = 2
		l := &fakeLearner{}

		res := run(t, l, Options{Args: args, Data: batches(8, false, 0)})

		want := 2 * (8 / acc)
		assert.Equal(t, want, res.GlobalStep, "accumulation %d", acc)
		assert.Len(t, l.lrs, want)
		assert.Len(t, l.scales, 16)
		for _, s := range l.scales {
			assert.InDelta(t, 1/float64(acc), s, 1e-12)
		}
	}
}

func TestMeanLossAndWarmup(t *testing.T) {
	args := testArgs(t)
	args.WarmupRatio = 0.06
	args.GradientAccumulationSteps = 4
	l := &fakeLearner{}
	tr, err := New(l, Options{Args: args, Data: batches(80, false, 0)})
	require.NoError(t, err)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.GlobalStep)
	assert.InDelta(t, 1.0, res.MeanLoss, 1e-12)
	assert.Equal(t, 2, tr.Args().WarmupSteps)
	assert.InDelta(t, 0.0, l.lrs[0], 1e-12)
	assert.InDelta(t, 0.5, l.lrs[1], 1e-12)
	assert.InDelta(t, 1.0, l.lrs[2], 1e-12)
}

func TestMaxSteps(t *testing.T) {
	args := testArgs(t)
	args.MaxSteps = 6
	l := &fakeLearner{}

	res := run(t, l, Options{Args: args, Data: batches(4, false, 0)})

	assert.Equal(t, 6, res.GlobalStep)
	assert.Len(t, l.lrs, 6)
	assert.Equal(t, []int{0, 1, 2, 3, 0, 1}, l.seen)
}

func TestEarlyStoppingMinimize(t *testing.T) {
	args := testArgs(t)
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	args.UseEarlyStopping = true
	args.EarlyStoppingPatience = 2
	eval, calls := losses(5, 4, 3, 3, 3, 3, 3)
	l := &fakeLearner{}

	res := run(t, l, Options{Args: args, Data: batches(20, false, 0), Evaluate: eval})

	assert.Equal(t, 5, res.GlobalStep)
	assert.Equal(t, 5, *calls)

	best, err := checkpoint.ReadResults(args.BestModelDir)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"eval_loss": 3}, best)
	assert.FileExists(t, filepath.Join(args.BestModelDir, checkpoint.WeightsFile))
	assert.DirExists(t, checkpoint.StepDir(args.OutputDir, 5))
	assert.FileExists(t, filepath.Join(args.OutputDir, checkpoint.WeightsFile))

	f, err := os.Open(filepath.Join(args.OutputDir, ProgressFile))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"global_step", "train_loss", "eval_loss"}, rows[0])
	assert.Equal(t, []string{"3", "1", "3"}, rows[3])
}

func TestEarlyStoppingMaximizeWithDelta(t *testing.T) {
	args := testArgs(t)
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	args.UseEarlyStopping = true
	args.EarlyStoppingPatience = 2
	args.EarlyStoppingMetric = "bleu"
	args.EarlyStoppingMetricMinimize = false
	args.EarlyStoppingDelta = 0.1
	vals := []float64{0.5, 0.55, 0.58, 0.9}
	calls := 0
	eval := func(context.Context) (map[string]float64, error) {
		v := vals[calls]
		calls++
		return map[string]float64{"eval_loss": 1, "bleu": v}, nil
	}

	res := run(t, &fakeLearner{}, Options{Args: args, Data: batches(10, false, 0), Evaluate: eval})
	assert.Equal(t, 3, res.GlobalStep)
}

func TestEarlyStoppingDisabled(t *testing.T) {
	args := testArgs(t)
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	args.EarlyStoppingPatience = 1
	eval, calls := losses(1)

	res := run(t, &fakeLearner{}, Options{Args: args, Data: batches(6, false, 0), Evaluate: eval})
	assert.Equal(t, 6, res.GlobalStep)
	assert.Equal(t, 7, *calls, "six step evaluations and one at epoch end")
}

func TestEpochEarlyStoppingGate(t *testing.T) {
	for _, consider := range []bool{false, true} {
		args := testArgs(t)
		args.NumTrainEpochs = 5
		args.EvaluateDuringTraining = true
		args.EvaluateDuringTrainingSteps = 1000
		args.UseEarlyStopping = true
		args.EarlyStoppingPatience = 1
		args.EarlyStoppingConsiderEpochs = consider
		eval, calls := losses(1)

		res := run(t, &fakeLearner{}, Options{Args: args, Data: batches(2, false, 0), Evaluate: eval})
		if consider {
			assert.Equal(t, 4, res.GlobalStep)
			assert.Equal(t, 2, *calls)
			assert.DirExists(t, checkpoint.EpochDir(args.OutputDir, 4, 2))
		} else {
			assert.Equal(t, 10, res.GlobalStep)
			assert.Equal(t, 5, *calls)
		}
	}
}

func TestEpochEvaluationWritesOnlyResults(t *testing.T) {
	for _, keep := range []bool{false, true} {
		args := testArgs(t)
		args.EvaluateDuringTraining = true
		args.EvaluateDuringTrainingSteps = 1000
		args.SaveEvalCheckpoints = keep
		eval, calls := losses(1)
		l := &fakeLearner{}

		run(t, l, Options{Args: args, Data: batches(2, false, 0), Evaluate: eval})

		assert.Equal(t, 1, *calls)
		dir := checkpoint.EpochDir(args.OutputDir, 2, 1)
		assert.NoFileExists(t, filepath.Join(dir, checkpoint.WeightsFile))
		assert.NoFileExists(t, filepath.Join(dir, checkpoint.ArgsFile))
		assert.NoFileExists(t, filepath.Join(dir, checkpoint.OptimizerFile))
		assert.NotContains(t, l.saves, dir)
		if keep {
			assert.FileExists(t, filepath.Join(dir, checkpoint.ResultsFile))
		} else {
			assert.NoDirExists(t, dir)
		}
	}
}

func TestImprovementResetsBothCounters(t *testing.T) {
	args := testArgs(t)
	args.NumTrainEpochs = 5
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	args.UseEarlyStopping = true
	args.EarlyStoppingPatience = 2
	args.EarlyStoppingConsiderEpochs = true
	// step 1, step 2, epoch 1, step 3, step 4
	eval, calls := losses(5, 6, 4, 4.5, 4.5)

	res := run(t, &fakeLearner{}, Options{Args: args, Data: batches(2, false, 0), Evaluate: eval})

	assert.Equal(t, 4, res.GlobalStep)
	assert.Equal(t, 5, *calls)
}

func TestStopperLevels(t *testing.T) {
	a := config.Defaults()
	a.UseEarlyStopping = true
	a.EarlyStoppingPatience = 2
	s := newStopper(a)
	obs := func(v float64, level int, canStop bool) (bool, bool) {
		improved, stop, err := s.observe(map[string]float64{"eval_loss": v}, level, canStop)
		require.NoError(t, err)
		return improved, stop
	}

	improved, _ := obs(5, levelStep, true)
	assert.True(t, improved)
	_, stop := obs(6, levelStep, true)
	assert.False(t, stop)
	_, stop = obs(6, levelEpoch, true)
	assert.False(t, stop, "levels count separately")
	improved, _ = obs(4, levelEpoch, true)
	assert.True(t, improved)
	_, stop = obs(4.5, levelStep, true)
	assert.False(t, stop, "the epoch improvement cleared the step counter")
	_, stop = obs(4.5, levelStep, true)
	assert.True(t, stop)
}

func TestResumeReplaysSameBatches(t *testing.T) {
	args := testArgs(t)
	args.NumTrainEpochs = 2
	args.SaveSteps = 3
	full := &fakeLearner{}
	run(t, full, Options{Args: args, Data: batches(4, true, 7)})
	require.Len(t, full.seen, 8)

	ckpt := checkpoint.StepDir(args.OutputDir, 3)
	assert.FileExists(t, filepath.Join(ckpt, checkpoint.OptimizerFile))
	assert.FileExists(t, filepath.Join(ckpt, checkpoint.SchedulerFile))
	assert.FileExists(t, filepath.Join(ckpt, checkpoint.MomentsFile))

	resumed := testArgs(t)
	resumed.NumTrainEpochs = 2
	resumed.ModelName = ckpt
	part := &fakeLearner{}
	res := run(t, part, Options{Args: resumed, Data: batches(4, true, 7)})

	assert.Equal(t, 8, res.GlobalStep)
	assert.Equal(t, full.seen[3:], part.seen)
	require.NotNil(t, part.restored)
	assert.Equal(t, 3, part.restored.Step)
	assert.Equal(t, []float32{3}, part.restored.Moments["m.0"].Data)
	assert.InDelta(t, full.lrs[3], part.lrs[0], 1e-12)
}

func TestResumeFallsBackOnUnparsableName(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-model")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	args := testArgs(t)
	args.ModelName = dir
	l := &fakeLearner{}

	res := run(t, l, Options{Args: args, Data: batches(3, false, 0)})
	assert.Equal(t, 3, res.GlobalStep)
	assert.Nil(t, l.restored)
}

func TestCheckpointLayout(t *testing.T) {
	args := testArgs(t)
	args.SaveSteps = 2
	args.SaveModelEveryEpoch = true

	run(t, &fakeLearner{}, Options{Args: args, Data: batches(4, false, 0)})

	for _, dir := range []string{
		checkpoint.StepDir(args.OutputDir, 2),
		checkpoint.StepDir(args.OutputDir, 4),
		checkpoint.EpochDir(args.OutputDir, 4, 1),
	} {
		for _, f := range []string{checkpoint.WeightsFile, checkpoint.ArgsFile, checkpoint.OptimizerFile, checkpoint.SchedulerFile} {
			assert.FileExists(t, filepath.Join(dir, f))
		}
	}
	saved, err := checkpoint.LoadArgs(checkpoint.StepDir(args.OutputDir, 2))
	require.NoError(t, err)
	assert.Equal(t, args.OutputDir, saved.OutputDir)

	opt, sched, ok, err := checkpoint.LoadTrainingState(checkpoint.StepDir(args.OutputDir, 2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, opt.Step)
	assert.Equal(t, 2, sched.Step)
	assert.Equal(t, 4, sched.TotalSteps)
}

func TestNoSaveKeepsOnlyResults(t *testing.T) {
	args := testArgs(t)
	args.NoSave = true
	args.SaveSteps = 1
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	eval, _ := losses(2, 1)
	l := &fakeLearner{}

	run(t, l, Options{Args: args, Data: batches(2, false, 0), Evaluate: eval})

	assert.Empty(t, l.saves)
	step := checkpoint.StepDir(args.OutputDir, 1)
	assert.FileExists(t, filepath.Join(step, checkpoint.ResultsFile))
	assert.NoFileExists(t, filepath.Join(step, checkpoint.ArgsFile))
	assert.NoFileExists(t, filepath.Join(args.OutputDir, checkpoint.WeightsFile))
}

type recordingSink struct {
	tracking.Sink
	scalars map[string][]int
}

func (r *recordingSink) Scalar(tag string, _ float64, step int) error {
	r.scalars[tag] = append(r.scalars[tag], step)
	return nil
}

func TestLoggingSteps(t *testing.T) {
	args := testArgs(t)
	args.LoggingSteps = 2
	sink := &recordingSink{Sink: tracking.Nop(), scalars: map[string][]int{}}

	run(t, &fakeLearner{}, Options{Args: args, Data: batches(5, false, 0), Sink: sink})

	assert.Equal(t, []int{2, 4}, sink.scalars["lr"])
	assert.Equal(t, []int{2, 4}, sink.scalars["loss"])
}

func TestNewRejectsBadSetup(t *testing.T) {
	args := testArgs(t)
	args.EvaluateDuringTraining = true
	_, err := New(&fakeLearner{}, Options{Args: args, Data: batches(1, false, 0)})
	assert.ErrorIs(t, err, config.ErrConfig)

	args = testArgs(t)
	require.NoError(t, os.MkdirAll(args.OutputDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(args.OutputDir, "old"), nil, 0o600))
	_, err = New(&fakeLearner{}, Options{Args: args, Data: batches(1, false, 0)})
	assert.ErrorIs(t, err, config.ErrConfig)

	args.OverwriteOutputDir = true
	_, err = New(&fakeLearner{}, Options{Args: args, Data: batches(1, false, 0)})
	assert.NoError(t, err)

	_, err = New(&fakeLearner{}, Options{Args: testArgs(t)})
	assert.ErrorIs(t, err, config.ErrConfig)

	args = testArgs(t)
	args.GradientAccumulationSteps = 4
	_, err = New(&fakeLearner{}, Options{Args: args, Data: batches(3, false, 0)})
	assert.ErrorIs(t, err, config.ErrConfig, "fewer batches than one update")
	_, err = New(&fakeLearner{}, Options{Args: args, Data: batches(4, false, 0)})
	assert.NoError(t, err)
}

func TestMissingMetricIsConfigError(t *testing.T) {
	args := testArgs(t)
	args.EvaluateDuringTraining = true
	args.EvaluateDuringTrainingSteps = 1
	args.EarlyStoppingMetric = "rouge"
	eval, _ := losses(1)

	tr, err := New(&fakeLearner{}, Options{Args: args, Data: batches(2, false, 0), Evaluate: eval})
	require.NoError(t, err)
	_, err = tr.Train(context.Background())
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := &fakeLearner{}
	tr, err := New(l, Options{Args: testArgs(t), Data: batches(3, false, 0)})
	require.NoError(t, err)

	_, err = tr.Train(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, l.scales)
}

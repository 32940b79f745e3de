// Package train runs the fine-tuning loop: gradient accumulation, a
// linear warmup schedule, periodic logging, checkpoints and evaluation,
// early stopping, and resuming from a checkpoint directory.
package train

import (
	"context"
	"os"
	"sort"

	"github.com/born-ml/seq2seq/internal/checkpoint"
	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/dataset"
	"github.com/born-ml/seq2seq/internal/logger"
	"github.com/born-ml/seq2seq/internal/optimizer"
	"github.com/born-ml/seq2seq/internal/tracking"
)

// Learner is the model side of training.
type Learner interface {
	Backward(b dataset.Batch, scale float64) (float64, error)
	Step(lr float64) error
	ConfigureOptimizer(cfg optimizer.Config, maxGradNorm float64)
	OptimizerState() checkpoint.OptimizerState
	RestoreOptimizer(s checkpoint.OptimizerState) error
	Save(dir string) error
}

// Batches yields the batches of each epoch in a reproducible order.
type Batches interface {
	Len() int
	Epoch(epoch int) []dataset.Batch
}

// Evaluator scores the model on held-out data. The returned map must
// contain the early-stopping metric.
type Evaluator func(ctx context.Context) (map[string]float64, error)

// Options configures a Trainer.
type Options struct {
	Args     config.Args
	Data     Batches
	Evaluate Evaluator
	Sink     tracking.Sink
	Logger   logger.Logger
}

// Result is what a finished run reports.
type Result struct {
	GlobalStep int
	MeanLoss   float64
}

// Trainer drives one training run.
type Trainer struct {
	learner Learner
	args    config.Args
	data    Batches
	eval    Evaluator
	sink    tracking.Sink
	log     logger.Logger

	sched    *optimizer.LinearSchedule
	stop     *stopper
	progress *progressTable
}

// Check rejects run configurations that cannot start: evaluation during
// training without evaluation data, or a non-empty output directory
// without overwrite_output_dir.
func Check(args config.Args, canEvaluate bool) error {
	if args.EvaluateDuringTraining && !canEvaluate {
		return config.Errorf("evaluate_during_training is enabled but no evaluation data was given")
	}
	empty, err := checkpoint.IsEmptyDir(args.OutputDir)
	if err != nil {
		return err
	}
	if !empty && !args.OverwriteOutputDir {
		return config.Errorf("output directory %q is not empty; set overwrite_output_dir to train into it", args.OutputDir)
	}
	return nil
}

// New checks the run configuration before any work starts. The data must
// hold at least one optimizer update per epoch.
func New(learner Learner, opts Options) (*Trainer, error) {
	args := opts.Args
	if opts.Data == nil {
		return nil, config.Errorf("training data is required")
	}
	if err := Check(args, opts.Evaluate != nil); err != nil {
		return nil, err
	}
	if n := opts.Data.Len(); n < args.GradientAccumulationSteps {
		return nil, config.Errorf("%d training batches cannot fill one update of gradient_accumulation_steps=%d", n, args.GradientAccumulationSteps)
	}
	t := &Trainer{
		learner: learner,
		args:    args,
		data:    opts.Data,
		eval:    opts.Evaluate,
		sink:    opts.Sink,
		log:     opts.Logger,
	}
	if t.sink == nil {
		t.sink = tracking.Nop()
	}
	if t.log == nil {
		t.log = logger.Discard()
	}
	return t, nil
}

// Args is the effective configuration, including the derived
// warmup_steps once Train has started.
func (t *Trainer) Args() config.Args { return t.args }

// Train runs until the epochs are exhausted, max_steps is reached or
// early stopping triggers, then saves the final model to output_dir.
func (t *Trainer) Train(ctx context.Context) (Result, error) {
	res, err := t.run(ctx)
	if err != nil {
		return res, err
	}
	if err := t.save(t.args.OutputDir, nil, false); err != nil {
		return res, err
	}
	_ = t.sink.Progress(tracking.Status{CurrentStep: res.GlobalStep, TotalSteps: t.sched.TotalSteps, Message: "completed"})
	return res, nil
}

func (t *Trainer) run(ctx context.Context) (Result, error) {
	args := t.args
	accum := args.GradientAccumulationSteps
	batches := t.data.Len()
	perEpoch := updatesPerEpoch(batches, accum)

	epochs := args.NumTrainEpochs
	total := perEpoch * epochs
	if args.MaxSteps > 0 {
		total = args.MaxSteps
		epochs = args.MaxSteps/perEpoch + 1
	}
	args = args.WithWarmupSteps(total)
	t.args = args

	t.sched = &optimizer.LinearSchedule{BaseLR: args.LearningRate, WarmupSteps: args.WarmupSteps, TotalSteps: total}
	t.stop = newStopper(args)
	t.progress = newProgressTable(args.OutputDir)
	t.learner.ConfigureOptimizer(optimizer.Config{
		LR:          args.LearningRate,
		Epsilon:     args.AdamEpsilon,
		WeightDecay: args.WeightDecay,
	}, args.MaxGradNorm)

	resume, err := t.restore(batches, accum)
	if err != nil {
		return Result{}, err
	}

	t.log.Info("training",
		"batches", batches,
		"epochs", epochs,
		"accumulation_steps", accum,
		"total_steps", total,
		"warmup_steps", args.WarmupSteps,
	)

	gs := resume.GlobalStep
	var trLoss, loggedLoss, lastLoss float64
	result := func() Result {
		r := Result{GlobalStep: gs}
		if gs > 0 {
			r.MeanLoss = trLoss / float64(gs)
		}
		return r
	}

	for epoch := resume.EpochsTrained; epoch < epochs; epoch++ {
		skip := 0
		if epoch == resume.EpochsTrained {
			skip = resume.StepsTrainedInEpoch * accum
		}
		for step, b := range t.data.Epoch(epoch) {
			if step < skip {
				continue
			}
			if err := ctx.Err(); err != nil {
				return result(), err
			}
			loss, err := t.learner.Backward(b, 1/float64(accum))
			if err != nil {
				return result(), err
			}
			trLoss += loss / float64(accum)
			lastLoss = loss
			if (step+1)%accum != 0 {
				continue
			}

			lr := t.sched.LR()
			if err := t.learner.Step(lr); err != nil {
				return result(), err
			}
			t.sched.Advance()
			gs++

			if args.LoggingSteps > 0 && gs%args.LoggingSteps == 0 {
				mean := (trLoss - loggedLoss) / float64(args.LoggingSteps)
				loggedLoss = trLoss
				t.log.Info("step", "global_step", gs, "epoch", epoch+1, "lr", lr, "loss", mean)
				_ = t.sink.Scalar("lr", lr, gs)
				_ = t.sink.Scalar("loss", mean, gs)
				_ = t.sink.Progress(tracking.Status{
					CurrentStep: gs, TotalSteps: total, CurrentEpoch: epoch + 1, TotalEpochs: epochs,
					Message:         "training",
					TrainingMetrics: map[string]float64{"loss": mean, "lr": lr},
				})
			}

			if args.SaveSteps > 0 && gs%args.SaveSteps == 0 {
				if err := t.save(checkpoint.StepDir(args.OutputDir, gs), nil, true); err != nil {
					return result(), err
				}
			}

			if args.EvaluateDuringTraining && args.EvaluateDuringTrainingSteps > 0 && gs%args.EvaluateDuringTrainingSteps == 0 {
				var dir string
				if args.SaveEvalCheckpoints {
					dir = checkpoint.StepDir(args.OutputDir, gs)
				}
				stop, err := t.evaluate(ctx, gs, epoch, loss, dir, levelStep, true)
				if err != nil {
					return result(), err
				}
				if stop {
					return result(), nil
				}
			}

			if args.MaxSteps > 0 && gs >= args.MaxSteps {
				return result(), nil
			}
		}

		epochDir := checkpoint.EpochDir(args.OutputDir, gs, epoch+1)
		if args.SaveModelEveryEpoch {
			if err := t.save(epochDir, nil, true); err != nil {
				return result(), err
			}
		}
		if args.EvaluateDuringTraining {
			var dir string
			if args.SaveEvalCheckpoints {
				dir = epochDir
			}
			stop, err := t.evaluate(ctx, gs, epoch, lastLoss, dir, levelEpoch, args.EarlyStoppingConsiderEpochs)
			if err != nil {
				return result(), err
			}
			if stop {
				return result(), nil
			}
		}
	}
	return result(), nil
}

// restore continues the optimizer and schedule from the model directory
// and recovers the training position from its name.
func (t *Trainer) restore(batches, accum int) (ResumeState, error) {
	name := t.args.ModelName
	if name == "" {
		return ResumeState{}, nil
	}
	if st, err := os.Stat(name); err != nil || !st.IsDir() {
		return ResumeState{}, nil
	}
	opt, sched, ok, err := checkpoint.LoadTrainingState(name)
	if err != nil {
		return ResumeState{}, err
	}
	if ok {
		if err := t.learner.RestoreOptimizer(opt); err != nil {
			return ResumeState{}, err
		}
		t.sched.Restore(sched)
		t.log.Debug("restored optimizer and scheduler", "dir", name, "step", sched.Step, "moments", len(opt.Moments))
	}
	resume, ok := ParseResume(name, batches, accum)
	if !ok {
		t.log.Info("starting fine-tuning")
		return ResumeState{}, nil
	}
	t.log.Info("continuing training from checkpoint",
		"global_step", resume.GlobalStep,
		"epochs_trained", resume.EpochsTrained,
		"steps_in_epoch", resume.StepsTrainedInEpoch,
	)
	return resume, nil
}

// evaluate runs the evaluator, records the scores, writes dir (if any)
// and the best model, and reports whether training should stop. dir is
// empty unless save_eval_checkpoints is set.
func (t *Trainer) evaluate(ctx context.Context, gs, epoch int, trainLoss float64, dir string, level int, canStop bool) (bool, error) {
	results, err := t.eval(ctx)
	if err != nil {
		return false, err
	}
	for k, v := range results {
		_ = t.sink.Scalar(k, v, gs)
	}
	if t.args.EvaluateDuringTrainingVerbose {
		t.log.Info("evaluation", append([]any{"global_step", gs}, flatten(results)...)...)
	} else {
		t.log.Debug("evaluation", append([]any{"global_step", gs}, flatten(results)...)...)
	}
	_ = t.sink.Progress(tracking.Status{
		CurrentStep: gs, TotalSteps: t.sched.TotalSteps, CurrentEpoch: epoch + 1,
		Message: "evaluating",
		Metrics: results,
	})

	// Step evaluations checkpoint the model with their results; epoch
	// evaluations only add results next to the epoch checkpoint.
	if dir != "" {
		save := t.save
		if level == levelEpoch {
			save = t.saveResults
		}
		if err := save(dir, results, true); err != nil {
			return false, err
		}
	}
	if err := t.progress.append(gs, trainLoss, results); err != nil {
		return false, err
	}

	improved, stop, err := t.stop.observe(results, level, canStop)
	if err != nil {
		return false, err
	}
	if improved && t.args.SaveBestModel {
		if err := t.save(t.args.BestModelDir, results, true); err != nil {
			return false, err
		}
	}
	if !improved && t.args.UseEarlyStopping && canStop {
		t.log.Info("no improvement",
			"metric", t.args.EarlyStoppingMetric,
			"best", t.stop.best,
			"patience_used", t.stop.counter[level],
			"patience", t.args.EarlyStoppingPatience,
		)
	}
	if stop {
		t.log.Info("early stopping", "global_step", gs, "patience", t.args.EarlyStoppingPatience)
	}
	return stop, nil
}

// save writes a checkpoint. With no_save only results are written.
func (t *Trainer) save(dir string, results map[string]float64, withState bool) error {
	c := checkpoint.Contents{Results: results}
	if !t.args.NoSave {
		args := t.args
		c.Model = t.learner
		c.Args = &args
		if withState && t.args.SaveOptimizerAndScheduler {
			opt := t.learner.OptimizerState()
			sched := t.sched.State()
			c.Optimizer = &opt
			c.Scheduler = &sched
		}
	}
	if c.Model == nil && c.Results == nil {
		return nil
	}
	return checkpoint.Save(dir, c)
}

func (t *Trainer) saveResults(dir string, results map[string]float64, _ bool) error {
	return checkpoint.Save(dir, checkpoint.Contents{Results: results})
}

func flatten(m map[string]float64) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, 2*len(m))
	for _, k := range keys {
		out = append(out, k, m[k])
	}
	return out
}

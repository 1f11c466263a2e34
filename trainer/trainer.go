package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/manningwu07/charGPT/IO"
	"github.com/manningwu07/charGPT/optimizations"
	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/transformer"
	"github.com/manningwu07/charGPT/utils"
)

var (
	ErrNonFiniteLoss   = errors.New("non-finite loss or parameter")
	ErrDatasetMismatch = errors.New("dataset does not fit the model")
)

type Phase int

const (
	PhaseInit Phase = iota
	PhaseTrainEpoch
	PhaseEvalEpoch
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseTrainEpoch:
		return "train"
	case PhaseEvalEpoch:
		return "eval"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is everything a single optimizer step reads and advances. Tokens drives
// the learning-rate schedule.
type State struct {
	Epoch  int
	Step   int
	Tokens int64
	LR     float64
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	EvalLoss  float64 // NaN without an eval set
	Improved  bool    // a new best snapshot was taken
	Step      int
	Tokens    int64
	LR        float64
	Duration  time.Duration
}

// Trainer owns the optimizer and the schedule for one model and runs the epoch loop.
type Trainer struct {
	Model  *transformer.GPT
	Train  IO.Dataset
	Eval   IO.Dataset // optional
	Config params.TrainingConfig

	// OnEpoch, if set, is called after every finished epoch.
	OnEpoch func(EpochStats)

	opt      *optimizations.AdamW
	sched    optimizations.Schedule
	phase    Phase
	state    State
	gradNorm float64

	best     *transformer.Snapshot
	bestLoss float64
	history  []EpochStats
	vocab    []rune
}

// New checks that the datasets fit the model and builds the optimizer. A bad
// parameter partition comes back as optimizations.ErrPartition.
func New(model *transformer.GPT, train, eval IO.Dataset, cfg params.TrainingConfig) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	for _, ds := range []IO.Dataset{train, eval} {
		if ds == nil {
			continue
		}
		if ds.VocabSize() != model.Config.VocabSize || ds.ContextLength() > model.Config.ContextLength {
			return nil, fmt.Errorf("trainer: %w: V=%d T=%d for a model with V=%d T=%d", ErrDatasetMismatch,
				ds.VocabSize(), ds.ContextLength(), model.Config.VocabSize, model.Config.ContextLength)
		}
	}
	if train == nil {
		return nil, fmt.Errorf("trainer: %w: no training set", ErrDatasetMismatch)
	}
	opt, err := optimizations.NewAdamW(model.Parameters(), cfg)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	t := &Trainer{
		Model:    model,
		Train:    train,
		Eval:     eval,
		Config:   cfg,
		opt:      opt,
		sched:    optimizations.NewSchedule(cfg),
		bestLoss: math.Inf(1),
		state:    State{LR: cfg.LearningRate},
	}
	if vp, ok := train.(IO.VocabProvider); ok {
		t.vocab = vp.Vocab()
	}
	return t, nil
}

func (t *Trainer) Phase() Phase                           { return t.phase }
func (t *Trainer) State() State                           { return t.state }
func (t *Trainer) Optimizer() *optimizations.AdamW        { return t.opt }
func (t *Trainer) History() []EpochStats                  { return append([]EpochStats(nil), t.history...) }
func (t *Trainer) Best() (*transformer.Snapshot, float64) { return t.best, t.bestLoss }

// RestoreBest loads the best snapshot back into the model.
func (t *Trainer) RestoreBest() error {
	if t.best == nil {
		return errors.New("trainer: no snapshot taken yet")
	}
	return t.Model.Restore(t.best)
}

// step runs one optimizer update on batch b and returns the advanced state.
// On error s is returned unchanged.
func (t *Trainer) step(s State, b IO.Batch) (State, float64, error) {
	t.opt.ZeroGrad()
	loss, counted, err := t.Model.ForwardBackward(b.Inputs, b.Targets)
	if err != nil {
		return s, 0, fmt.Errorf("trainer: batch %d: %w", b.Index, err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return s, loss, fmt.Errorf("trainer: %w: epoch %d step %d loss=%v", ErrNonFiniteLoss, s.Epoch, s.Step, loss)
	}
	if name := firstNonFinite(t.Model.Parameters()); name != "" {
		return s, loss, fmt.Errorf("trainer: %w: epoch %d step %d: %s is not finite", ErrNonFiniteLoss, s.Epoch, s.Step, name)
	}
	if t.Config.GradNormClip > 0 {
		t.gradNorm = optimizations.ClipGradNorm(t.Model.Parameters(), t.Config.GradNormClip)
	}
	lr := t.sched.LR(s.Tokens)
	t.opt.SetLR(lr)
	t.opt.Step()

	s.Step++
	s.Tokens += int64(counted)
	s.LR = lr
	return s, loss, nil
}

// Run trains for Config.MaxEpochs epochs. Cancelling ctx stops between batches;
// the best snapshot and the checkpoint on disk are left as they were.
func (t *Trainer) Run(ctx context.Context) (err error) {
	cfg := t.Config
	if cfg.Debug {
		prev := utils.DebugEnabled()
		utils.SetDebug(true)
		defer utils.SetDebug(prev)
	}
	t.phase = PhaseInit
	trainLoader, err := IO.NewLoader(t.Train, cfg.BatchSize, cfg.NumDataWorkers, cfg.QueueSize, true, cfg.Seed)
	if err != nil {
		return fmt.Errorf("trainer: %w", err)
	}
	var evalLoader *IO.Loader
	if t.Eval != nil && t.Eval.Len() > 0 {
		evalLoader, err = IO.NewLoader(t.Eval, cfg.BatchSize, cfg.NumDataWorkers, cfg.QueueSize, false, 0)
		if err != nil {
			return fmt.Errorf("trainer: %w", err)
		}
	}
	var csvLog *epochLog
	if cfg.LogPath != "" {
		if csvLog, err = openEpochLog(cfg.LogPath); err != nil {
			return err
		}
		defer func() {
			if cerr := csvLog.Close(); err == nil {
				err = cerr
			}
		}()
	}

	utils.Logf("Train: windows=%d batches/epoch=%d  Eval: windows=%d", t.Train.Len(), trainLoader.NumBatches(), evalLen(t.Eval))

	for epoch := t.state.Epoch; epoch < cfg.MaxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		t.phase = PhaseTrainEpoch
		t.state.Epoch = epoch
		t.Model.SetTraining(true)

		var sum float64
		var n int
		err := trainLoader.Each(ctx, epoch, func(b IO.Batch) error {
			st, loss, err := t.step(t.state, b)
			if err != nil {
				return err
			}
			t.state = st
			sum += loss
			n++
			if cfg.Debug && cfg.DebugEvery > 0 && st.Step%cfg.DebugEvery == 0 {
				utils.Debugf("step %d tokens %d lr %.3e loss %.4f grad_norm %.4f", st.Step, st.Tokens, st.LR, loss, t.gradNorm)
			}
			return nil
		})
		if err != nil {
			return err
		}

		stats := EpochStats{
			Epoch:     epoch,
			TrainLoss: sum / float64(max(n, 1)),
			EvalLoss:  math.NaN(),
			Step:      t.state.Step,
			Tokens:    t.state.Tokens,
			LR:        t.state.LR,
		}

		if evalLoader != nil {
			t.phase = PhaseEvalEpoch
			t.Model.SetTraining(false)
			stats.EvalLoss, err = t.evaluate(ctx, evalLoader)
			if err != nil {
				return err
			}
			if math.IsNaN(stats.EvalLoss) || math.IsInf(stats.EvalLoss, 0) {
				return fmt.Errorf("trainer: %w: epoch %d eval loss=%v", ErrNonFiniteLoss, epoch, stats.EvalLoss)
			}
			if stats.EvalLoss < t.bestLoss {
				if err := t.capture(stats.EvalLoss); err != nil {
					return err
				}
				stats.Improved = true
			}
		} else {
			// nothing to compare against: keep the latest weights
			if err := t.capture(stats.TrainLoss); err != nil {
				return err
			}
			stats.Improved = true
		}
		stats.Duration = time.Since(start)

		utils.Logf("Epoch %d - TrainLoss: %.4f, EvalLoss: %.4f, LR: %.3e, Tokens: %d, Time: %v",
			epoch, stats.TrainLoss, stats.EvalLoss, stats.LR, stats.Tokens, stats.Duration)

		t.history = append(t.history, stats)
		if csvLog != nil {
			if err := csvLog.Write(stats); err != nil {
				return err
			}
		}
		if t.OnEpoch != nil {
			t.OnEpoch(stats)
		}
	}
	t.state.Epoch = cfg.MaxEpochs
	t.phase = PhaseDone
	return nil
}

// evaluate returns the mean of the per-batch eval losses.
func (t *Trainer) evaluate(ctx context.Context, l *IO.Loader) (float64, error) {
	var sum float64
	var n int
	err := l.Each(ctx, 0, func(b IO.Batch) error {
		loss, _, err := t.Model.EvalLoss(b.Inputs, b.Targets, t.Config.EvalWorkers)
		if err != nil {
			return fmt.Errorf("trainer: eval batch %d: %w", b.Index, err)
		}
		sum += loss
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sum / float64(max(n, 1)), nil
}

// capture replaces the best snapshot, and the checkpoint if one is configured.
func (t *Trainer) capture(loss float64) error {
	snap := t.Model.Snapshot()
	if t.Config.CheckpointPath != "" {
		if err := transformer.SaveCheckpoint(t.Config.CheckpointPath, t.Model.Config, snap, t.vocab); err != nil {
			return fmt.Errorf("trainer: save best: %w", err)
		}
		utils.Logf("saved checkpoint to %s (loss %.4f)", t.Config.CheckpointPath, loss)
	}
	t.best, t.bestLoss = snap, loss
	return nil
}

// firstNonFinite names the first parameter whose weights or gradient hold a NaN or Inf.
func firstNonFinite(ps []*optimizations.Param) string {
	for _, p := range ps {
		if !utils.IsFinite(p.W) {
			return p.Name
		}
		if !utils.IsFinite(p.G) {
			return p.Name + " (grad)"
		}
	}
	return ""
}

func evalLen(ds IO.Dataset) int {
	if ds == nil {
		return 0
	}
	return ds.Len()
}

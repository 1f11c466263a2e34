package trainer

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/manningwu07/charGPT/IO"
	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/transformer"
	"github.com/manningwu07/charGPT/utils"
)

func TestMain(m *testing.M) {
	utils.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

func corpus(n int) string {
	return strings.Repeat("abcdefghij", n/10)
}

func tinyModel(t *testing.T, vocab int) *transformer.GPT {
	t.Helper()
	g, err := transformer.NewGPT(params.ModelConfig{
		VocabSize:     vocab,
		ContextLength: 8,
		NumLayers:     2,
		NumHeads:      2,
		EmbeddingDim:  32,
		Seed:          1,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func tinyTraining() params.TrainingConfig {
	cfg := params.DefaultTrainingConfig()
	cfg.MaxEpochs = 4
	cfg.BatchSize = 16
	cfg.LearningRate = 5e-3
	cfg.NumDataWorkers = 2
	cfg.EvalWorkers = 2
	return cfg
}

func TestTrainingReducesLoss(t *testing.T) {
	ds, err := IO.NewCharDataset(corpus(200), 8)
	if err != nil {
		t.Fatal(err)
	}
	eval, err := IO.NewCharDatasetWithVocab(corpus(60), 8, ds.Vocabulary())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	cfg := tinyTraining()
	cfg.CheckpointPath = filepath.Join(dir, "best.gob")
	cfg.LogPath = filepath.Join(dir, "train.csv")

	model := tinyModel(t, ds.VocabSize())
	tr, err := New(model, ds, eval, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.Phase() != PhaseDone {
		t.Fatalf("phase %s after Run", tr.Phase())
	}

	hist := tr.History()
	if len(hist) != 4 {
		t.Fatalf("%d epochs recorded", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if !(hist[i].TrainLoss < hist[i-1].TrainLoss) {
			t.Fatalf("train loss did not decrease at epoch %d: %v -> %v", i, hist[i-1].TrainLoss, hist[i].TrainLoss)
		}
	}
	if hist[0].TrainLoss > math.Log(10)+0.1 {
		t.Fatalf("first epoch loss %v above the uniform baseline", hist[0].TrainLoss)
	}

	// Every window contributes T targets per epoch.
	if want := int64(4 * ds.Len() * 8); tr.State().Tokens != want {
		t.Fatalf("token counter %d, want %d", tr.State().Tokens, want)
	}
	if want := 4 * ((ds.Len() + 15) / 16); tr.State().Step != want {
		t.Fatalf("%d steps, want %d", tr.State().Step, want)
	}

	best, bestLoss := tr.Best()
	if best == nil {
		t.Fatal("no snapshot taken")
	}
	minEval := math.Inf(1)
	for _, h := range hist {
		minEval = min(minEval, h.EvalLoss)
	}
	if bestLoss != minEval {
		t.Fatalf("best loss %v, lowest eval loss %v", bestLoss, minEval)
	}

	loaded, vocab, err := transformer.LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(vocab) != "abcdefghij" {
		t.Fatalf("checkpoint vocab %q", string(vocab))
	}
	if err := tr.RestoreBest(); err != nil {
		t.Fatal(err)
	}
	want, _ := model.LastLogits([]int{0, 1, 2})
	got, _ := loaded.LastLogits([]int{0, 1, 2})
	for i := range want {
		if want[i] != got[i] {
			t.Fatal("checkpoint on disk differs from the best snapshot")
		}
	}

	f, err := os.Open(cfg.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 || rows[0][0] != "epoch" {
		t.Fatalf("csv log has %d rows", len(rows))
	}
}

func TestNonFiniteLossIsReported(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	model := tinyModel(t, ds.VocabSize())
	model.Head.W.W.Set(0, 0, math.NaN())

	tr, err := New(model, ds, nil, tinyTraining())
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Run(context.Background())
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("got %v", err)
	}
	if tr.State().Step != 0 || tr.State().Tokens != 0 {
		t.Fatalf("state advanced past a non-finite loss: %+v", tr.State())
	}
}

func TestNonFiniteParameterIsReported(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	model := tinyModel(t, ds.VocabSize())
	// position 7 is never read by a 4 token batch, so the loss stays finite
	model.PosEmb.W.Set(0, 7, math.Inf(1))

	tr, err := New(model, ds, nil, tinyTraining())
	if err != nil {
		t.Fatal(err)
	}
	x, y, _ := ds.Get(0)
	s := State{Tokens: 40}
	next, loss, err := tr.step(s, IO.Batch{Inputs: [][]int{x[:4]}, Targets: [][]int{y[:4]}})
	if !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("got %v", err)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("loss %v should have been finite", loss)
	}
	if next != s || tr.Optimizer().Steps() != 0 {
		t.Fatalf("update applied with a non-finite parameter: %+v", next)
	}
}

// poisonedEval breaks the model the first time an eval window is read.
type poisonedEval struct {
	IO.Dataset
	model *transformer.GPT
}

func (d poisonedEval) Get(i int) ([]int, []int, error) {
	d.model.Head.W.W.Set(0, 0, math.NaN())
	return d.Dataset.Get(i)
}

func TestNonFiniteEvalLossIsReported(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	eval, _ := IO.NewCharDatasetWithVocab(corpus(30), 8, ds.Vocabulary())
	model := tinyModel(t, ds.VocabSize())
	cfg := tinyTraining()
	cfg.NumDataWorkers = 0

	tr, err := New(model, ds, poisonedEval{Dataset: eval, model: model}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(context.Background()); !errors.Is(err, ErrNonFiniteLoss) {
		t.Fatalf("got %v", err)
	}
	if len(tr.History()) != 0 {
		t.Fatal("epoch with a non-finite eval loss was recorded")
	}
	if best, _ := tr.Best(); best != nil {
		t.Fatal("snapshot taken from a non-finite eval")
	}
}

func TestDebugSettingIsRestored(t *testing.T) {
	utils.SetDebug(false)
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	cfg := tinyTraining()
	cfg.MaxEpochs = 1
	cfg.Debug = true
	tr, err := New(tinyModel(t, ds.VocabSize()), ds, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if utils.DebugEnabled() {
		t.Fatal("debug output left on after Run")
	}
}

type failingDataset struct {
	IO.Dataset
	at int
}

var errBrokenWindow = errors.New("broken window")

func (d failingDataset) Get(i int) ([]int, []int, error) {
	if i == d.at {
		return nil, nil, errBrokenWindow
	}
	return d.Dataset.Get(i)
}

func TestDataErrorStopsTraining(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	for _, workers := range []int{0, 3} {
		cfg := tinyTraining()
		cfg.NumDataWorkers = workers
		tr, err := New(tinyModel(t, ds.VocabSize()), failingDataset{Dataset: ds, at: 17}, nil, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if err := tr.Run(context.Background()); !errors.Is(err, errBrokenWindow) {
			t.Fatalf("workers=%d: got %v", workers, err)
		}
		if len(tr.History()) != 0 {
			t.Fatalf("workers=%d: a failed epoch was recorded", workers)
		}
	}
}

func TestCancelKeepsBestSnapshot(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(100), 8)
	cfg := tinyTraining()
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "best.gob")
	model := tinyModel(t, ds.VocabSize())
	tr, err := New(model, ds, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.OnEpoch = func(EpochStats) { cancel() }

	if err := tr.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v", err)
	}
	if len(tr.History()) != 1 {
		t.Fatalf("%d epochs ran after cancel", len(tr.History()))
	}
	best, _ := tr.Best()
	if best == nil {
		t.Fatal("snapshot lost on cancel")
	}
	loaded, _, err := transformer.LoadCheckpoint(cfg.CheckpointPath)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := model.LastLogits([]int{3, 4})
	got, _ := loaded.LastLogits([]int{3, 4})
	for i := range want {
		if want[i] != got[i] {
			t.Fatal("checkpoint does not hold the last captured weights")
		}
	}
}

func TestStepUsesScheduleAtCurrentTokens(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	cfg := tinyTraining()
	cfg.LRDecay = true
	cfg.WarmupTokens = 1000
	cfg.FinalTokens = 10000
	tr, err := New(tinyModel(t, ds.VocabSize()), ds, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	x, y, _ := ds.Get(0)
	batch := IO.Batch{Inputs: [][]int{x}, Targets: [][]int{y}}

	s := State{Tokens: 500}
	next, _, err := tr.step(s, batch)
	if err != nil {
		t.Fatal(err)
	}
	if want := cfg.LearningRate * 0.5; math.Abs(next.LR-want) > 1e-15 {
		t.Fatalf("lr %v, want %v", next.LR, want)
	}
	if next.Tokens != 508 || next.Step != 1 {
		t.Fatalf("state %+v", next)
	}
	if tr.Optimizer().LR() != next.LR || tr.Optimizer().Steps() != 1 {
		t.Fatal("optimizer did not see the scheduled rate")
	}
}

func TestNewRejectsMismatchedDataset(t *testing.T) {
	ds, _ := IO.NewCharDataset(corpus(50), 8)
	if _, err := New(tinyModel(t, ds.VocabSize()+1), ds, nil, tinyTraining()); !errors.Is(err, ErrDatasetMismatch) {
		t.Fatalf("got %v", err)
	}
	cfg := tinyTraining()
	cfg.BatchSize = 0
	if _, err := New(tinyModel(t, ds.VocabSize()), ds, nil, cfg); !errors.Is(err, params.ErrInvalidConfig) {
		t.Fatalf("got %v", err)
	}
}

func TestPlotLoss(t *testing.T) {
	var sb strings.Builder
	PlotLoss(&sb, []EpochStats{{TrainLoss: 2}, {TrainLoss: 1}, {TrainLoss: 0.5}})
	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	if len(lines) != 12 {
		t.Fatalf("%d lines", len(lines))
	}
	if lines[0] != "█  " {
		t.Fatalf("top row %q", lines[0])
	}
	if lines[9] != "███" {
		t.Fatalf("bottom row %q", lines[9])
	}
	if lines[11] != "0  " {
		t.Fatalf("axis labels %q", lines[11])
	}

	sb.Reset()
	PlotLoss(&sb, nil)
	if sb.String() != "no data to plot\n" {
		t.Fatalf("empty history printed %q", sb.String())
	}
}

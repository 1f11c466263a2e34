package trainer

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
)

var epochLogHeader = []string{"epoch", "step", "tokens", "lr", "train_loss", "eval_loss", "improved", "seconds"}

// epochLog appends one CSV row per epoch and flushes after each row.
type epochLog struct {
	f *os.File
	w *csv.Writer
}

func openEpochLog(path string) (*epochLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trainer: open log: %w", err)
	}
	l := &epochLog{f: f, w: csv.NewWriter(f)}
	if err := l.w.Write(epochLogHeader); err != nil {
		f.Close()
		return nil, err
	}
	l.w.Flush()
	return l, l.w.Error()
}

func (l *epochLog) Write(s EpochStats) error {
	row := []string{
		strconv.Itoa(s.Epoch),
		strconv.Itoa(s.Step),
		strconv.FormatInt(s.Tokens, 10),
		strconv.FormatFloat(s.LR, 'g', 6, 64),
		strconv.FormatFloat(s.TrainLoss, 'f', 6, 64),
		strconv.FormatFloat(s.EvalLoss, 'f', 6, 64),
		strconv.FormatBool(s.Improved),
		strconv.FormatFloat(s.Duration.Seconds(), 'f', 3, 64),
	}
	if err := l.w.Write(row); err != nil {
		return fmt.Errorf("trainer: write log: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *epochLog) Close() error {
	l.w.Flush()
	return l.f.Close()
}

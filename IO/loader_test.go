package IO

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

// seqDataset returns window i as input {i} and target {i+1}.
type seqDataset struct {
	n       int
	failAt  int // -1 disables
	failErr error
}

func (d *seqDataset) Len() int           { return d.n }
func (d *seqDataset) VocabSize() int     { return d.n + 1 }
func (d *seqDataset) ContextLength() int { return 1 }
func (d *seqDataset) Get(i int) ([]int, []int, error) {
	if i == d.failAt {
		return nil, nil, d.failErr
	}
	return []int{i}, []int{i + 1}, nil
}

func collect(t *testing.T, l *Loader, epoch int) []Batch {
	t.Helper()
	var out []Batch
	err := l.Each(context.Background(), epoch, func(b Batch) error {
		out = append(out, b)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestLoaderCoversEveryWindowOnce(t *testing.T) {
	ds := &seqDataset{n: 103, failAt: -1}
	for _, workers := range []int{0, 1, 4} {
		for _, shuffle := range []bool{false, true} {
			name := fmt.Sprintf("workers=%d shuffle=%v", workers, shuffle)
			l, err := NewLoader(ds, 10, workers, 3, shuffle, 7)
			if err != nil {
				t.Fatal(err)
			}
			if l.NumBatches() != 11 {
				t.Fatalf("%s: %d batches", name, l.NumBatches())
			}
			batches := collect(t, l, 2)
			if len(batches) != 11 {
				t.Fatalf("%s: delivered %d batches", name, len(batches))
			}
			seen := make([]int, ds.n)
			for k, b := range batches {
				if b.Index != k {
					t.Fatalf("%s: batch %d delivered at position %d", name, b.Index, k)
				}
				want := 10
				if k == 10 {
					want = 3
				}
				if len(b.Inputs) != want || len(b.Targets) != want {
					t.Fatalf("%s: batch %d has %d rows, want %d", name, k, len(b.Inputs), want)
				}
				for r, x := range b.Inputs {
					if b.Targets[r][0] != x[0]+1 {
						t.Fatalf("%s: input and target rows are out of step", name)
					}
					seen[x[0]]++
				}
			}
			for i, c := range seen {
				if c != 1 {
					t.Fatalf("%s: window %d seen %d times", name, i, c)
				}
			}
		}
	}
}

func TestLoaderShuffleIsSeededPerEpoch(t *testing.T) {
	ds := &seqDataset{n: 50, failAt: -1}
	a, _ := NewLoader(ds, 50, 2, 0, true, 1)
	b, _ := NewLoader(ds, 50, 0, 0, true, 1)

	first := collect(t, a, 0)[0].Inputs
	again := collect(t, b, 0)[0].Inputs
	next := collect(t, a, 1)[0].Inputs
	sameAsAgain, sameAsNext := true, true
	for i := range first {
		sameAsAgain = sameAsAgain && first[i][0] == again[i][0]
		sameAsNext = sameAsNext && first[i][0] == next[i][0]
	}
	if !sameAsAgain {
		t.Fatal("same seed and epoch gave different orders")
	}
	if sameAsNext {
		t.Fatal("consecutive epochs used the same order")
	}
}

func TestLoaderPropagatesWorkerError(t *testing.T) {
	boom := errors.New("disk on fire")
	ds := &seqDataset{n: 40, failAt: 23, failErr: boom}
	for _, workers := range []int{0, 3} {
		l, _ := NewLoader(ds, 4, workers, 2, false, 0)
		delivered := 0
		err := l.Each(context.Background(), 0, func(Batch) error {
			delivered++
			return nil
		})
		if !errors.Is(err, boom) {
			t.Fatalf("workers=%d: got %v", workers, err)
		}
		if delivered > 5 {
			t.Fatalf("workers=%d: %d batches delivered past the failing one", workers, delivered)
		}
	}
}

func TestLoaderStopsOnCallbackError(t *testing.T) {
	ds := &seqDataset{n: 40, failAt: -1}
	stop := errors.New("stop")
	l, _ := NewLoader(ds, 4, 2, 2, false, 0)
	calls := 0
	err := l.Each(context.Background(), 0, func(Batch) error {
		calls++
		if calls == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestLoaderCancellation(t *testing.T) {
	ds := &seqDataset{n: 100, failAt: -1}
	for _, workers := range []int{0, 4} {
		l, _ := NewLoader(ds, 5, workers, 2, true, 3)
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := l.Each(ctx, 0, func(Batch) error {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil
		})
		cancel()
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("workers=%d: got %v", workers, err)
		}
		if calls != 2 {
			t.Fatalf("workers=%d: %d batches delivered after cancel", workers, calls-2)
		}
	}
}

func TestNewLoaderRejectsBadSizes(t *testing.T) {
	ds := &seqDataset{n: 4, failAt: -1}
	if _, err := NewLoader(ds, 0, 1, 1, false, 0); err == nil {
		t.Fatal("zero batch size accepted")
	}
	if _, err := NewLoader(ds, 1, -1, 1, false, 0); err == nil {
		t.Fatal("negative worker count accepted")
	}
}

type countingDataset struct {
	seqDataset
	gets atomic.Int64
}

func (d *countingDataset) Get(i int) ([]int, []int, error) {
	d.gets.Add(1)
	return d.seqDataset.Get(i)
}

func TestLoaderQueueBoundsWorkAhead(t *testing.T) {
	const queue = 2
	ds := &countingDataset{seqDataset: seqDataset{n: 40, failAt: -1}}
	l, err := NewLoader(ds, 1, 4, queue, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	var whileBlocked int64
	err = l.Each(context.Background(), 0, func(b Batch) error {
		if b.Index == 0 {
			time.Sleep(100 * time.Millisecond)
			whileBlocked = ds.gets.Load()
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if whileBlocked < 1 || whileBlocked > queue {
		t.Fatalf("%d batches built while the consumer held batch 0, queue is %d", whileBlocked, queue)
	}
	if got := ds.gets.Load(); got != 40 {
		t.Fatalf("%d windows read, want 40", got)
	}
}

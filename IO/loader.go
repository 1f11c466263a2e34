package IO

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Batch is one slice of windows. Index is its position in the epoch order.
type Batch struct {
	Index   int
	Inputs  [][]int
	Targets [][]int
}

// Loader cuts a Dataset into batches. With workers > 0 the batches are built by
// that many goroutines and at most queue of them are in flight at any moment;
// they are still delivered in epoch order.
type Loader struct {
	ds        Dataset
	batchSize int
	workers   int
	queue     int
	shuffle   bool
	seed      uint64
}

func NewLoader(ds Dataset, batchSize, workers, queue int, shuffle bool, seed uint64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("IO: batch size must be positive, got %d", batchSize)
	}
	if workers < 0 || queue < 0 {
		return nil, fmt.Errorf("IO: workers (%d) and queue (%d) must not be negative", workers, queue)
	}
	if queue == 0 {
		queue = max(2*workers, 1)
	}
	return &Loader{ds: ds, batchSize: batchSize, workers: workers, queue: queue, shuffle: shuffle, seed: seed}, nil
}

func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// order returns the window indices for one epoch. The same (seed, epoch) pair
// always gives the same permutation.
func (l *Loader) order(epoch int) []int {
	n := l.ds.Len()
	if l.shuffle {
		return rand.New(rand.NewPCG(l.seed, uint64(epoch))).Perm(n)
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func (l *Loader) build(order []int, b int) (Batch, error) {
	lo := b * l.batchSize
	hi := min(lo+l.batchSize, len(order))
	batch := Batch{
		Index:   b,
		Inputs:  make([][]int, 0, hi-lo),
		Targets: make([][]int, 0, hi-lo),
	}
	for _, i := range order[lo:hi] {
		x, y, err := l.ds.Get(i)
		if err != nil {
			return Batch{}, fmt.Errorf("IO: batch %d, window %d: %w", b, i, err)
		}
		batch.Inputs = append(batch.Inputs, x)
		batch.Targets = append(batch.Targets, y)
	}
	return batch, nil
}

// Each delivers every batch of the epoch to fn in order. It stops at the first
// error from a worker or from fn, and returns ctx.Err() once ctx is cancelled.
// Cancellation is only observed between batches.
func (l *Loader) Each(ctx context.Context, epoch int, fn func(Batch) error) error {
	order := l.order(epoch)
	nb := l.NumBatches()
	if l.workers == 0 {
		for b := 0; b < nb; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := l.build(order, b)
			if err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		batch Batch
		err   error
	}
	jobs := make(chan int)
	results := make(chan result, l.queue)
	slots := make(chan struct{}, l.queue)

	// feeder: a batch index is handed out only after it holds a slot
	go func() {
		defer close(jobs)
		for b := 0; b < nb; b++ {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				batch, err := l.build(order, b)
				select {
				case results <- result{batch: batch, err: err}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]Batch)
	next := 0
	for next < nb {
		select {
		case r, ok := <-results:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("IO: loader stopped after %d of %d batches", next, nb)
			}
			if r.err != nil {
				return r.err
			}
			pending[r.batch.Index] = r.batch
		case <-ctx.Done():
			return ctx.Err()
		}

		for {
			batch, ok := pending[next]
			if !ok {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			delete(pending, next)
			if err := fn(batch); err != nil {
				return err
			}
			<-slots
			next++
		}
	}
	return nil
}

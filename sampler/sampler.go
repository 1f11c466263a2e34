package sampler

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrTemperature  = errors.New("temperature must be positive")
	ErrEmptySeed    = errors.New("seed sequence is empty")
	ErrNoRandSource = errors.New("sampling needs a random source")
)

// Model is what the sampler needs from a trained stack.
type Model interface {
	LastLogits(seq []int) ([]float64, error)
	ContextLength() int
}

type Options struct {
	Steps       int
	Temperature float64
	TopK        int  // <=0 or >= vocab size keeps every token
	Greedy      bool // take the argmax instead of drawing
	Src         rand.Source
}

// Generate extends seed by opts.Steps tokens, feeding each prediction back in.
// Only the last ContextLength tokens are shown to the model. The result starts
// with a copy of seed.
func Generate(m Model, seed []int, opts Options) ([]int, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("sampler: %w", ErrEmptySeed)
	}
	if !(opts.Temperature > 0) {
		return nil, fmt.Errorf("sampler: %w, got %g", ErrTemperature, opts.Temperature)
	}
	if !opts.Greedy && opts.Src == nil {
		return nil, fmt.Errorf("sampler: %w", ErrNoRandSource)
	}

	block := m.ContextLength()
	out := make([]int, len(seed), len(seed)+max(opts.Steps, 0))
	copy(out, seed)
	for i := 0; i < opts.Steps; i++ {
		ctx := out[max(0, len(out)-block):]
		logits, err := m.LastLogits(ctx)
		if err != nil {
			return out, fmt.Errorf("sampler: step %d: %w", i, err)
		}
		out = append(out, next(logits, opts))
	}
	return out, nil
}

// next picks one token from logits, which it overwrites.
func next(logits []float64, opts Options) int {
	floats.Scale(1/opts.Temperature, logits)
	if opts.TopK > 0 && opts.TopK < len(logits) {
		keepTopK(logits, opts.TopK)
	}
	probs := utils.Softmax(logits, logits)
	if opts.Greedy {
		return utils.ArgMax(probs)
	}
	return int(distuv.NewCategorical(probs, opts.Src).Rand())
}

// keepTopK sets every logit outside the k largest to -Inf. Ties go to the lower
// index, so exactly k entries survive.
func keepTopK(logits []float64, k int) {
	idx := make([]int, len(logits))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return cmp.Compare(logits[b], logits[a])
	})
	for _, i := range idx[k:] {
		logits[i] = math.Inf(-1)
	}
}

package transformer

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// CloneForEval creates a replica where every Param is shared with g but the
// per-module caches are private, so several replicas can run forward passes at
// once. Parameters must not be updated while replicas are running.
func (g *GPT) CloneForEval() *GPT {
	rng := rand.New(rand.NewPCG(g.Config.Seed, uint64(len(g.replicas))+2))
	out := &GPT{
		Config: g.Config,
		TokEmb: g.TokEmb,
		PosEmb: g.PosEmb,
		Drop:   g.Drop.cloneWith(rng),
		Blocks: make([]*TransformerBlock, len(g.Blocks)),
		LnF:    g.LnF.CloneShared(),
		Head:   g.Head.cloneShared(),
		params: g.params,
	}
	for i, b := range g.Blocks {
		out.Blocks[i] = b.cloneShared(rng)
	}
	return out
}

func (g *GPT) lossSum(inputs, targets [][]int) (float64, int) {
	sum, n := 0.0, 0
	for b, idx := range inputs {
		s, c := g.seqLoss(g.forwardSeq(idx, false), targets[b], nil, 0)
		sum += s
		n += c
	}
	return sum, n
}

// EvalLoss is a forward-only, dropout-free loss over the batch. With workers > 1
// sequences are spread round-robin over weight-sharing replicas.
func (g *GPT) EvalLoss(inputs, targets [][]int, workers int) (float64, int, error) {
	if targets == nil {
		return 0, 0, fmt.Errorf("transformer: %w: targets required", ErrBatchShape)
	}
	if err := g.checkBatch(inputs, targets); err != nil {
		return 0, 0, err
	}
	workers = min(workers, len(inputs))
	if workers <= 1 {
		sum, n := g.lossSum(inputs, targets)
		return mean(sum, n), n, nil
	}
	for len(g.replicas) < workers {
		g.replicas = append(g.replicas, g.CloneForEval())
	}

	sums := make([]float64, workers)
	counts := make([]int, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := g.replicas[w]
			for b := w; b < len(inputs); b += workers {
				s, c := r.seqLoss(r.forwardSeq(inputs[b], false), targets[b], nil, 0)
				sums[w] += s
				counts[w] += c
			}
		}(w)
	}
	wg.Wait()

	sum, n := 0.0, 0
	for w := range sums {
		sum += sums[w]
		n += counts[w]
	}
	return mean(sum, n), n, nil
}

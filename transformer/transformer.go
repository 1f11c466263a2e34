package transformer

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/manningwu07/charGPT/optimizations"
	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrContextOverflow = errors.New("sequence longer than context length")
	ErrTokenRange      = errors.New("token index outside vocabulary")
	ErrEmptySequence   = errors.New("empty sequence")
	ErrBatchShape      = errors.New("inputs and targets differ in shape")
)

// GPT is the full stack: token + positional embedding, dropout, blocks, final
// LayerNorm and the vocabulary head. One sequence is processed as a (D x T) matrix.
type GPT struct {
	Config params.ModelConfig

	TokEmb *optimizations.Param // (D x V)
	PosEmb *optimizations.Param // (D x T_max)
	Drop   *Dropout
	Blocks []*TransformerBlock
	LnF    *optimizations.LayerNorm
	Head   *Linear // (V x D), no bias

	training bool
	params   []*optimizations.Param
	lastIdx  []int

	replicas []*GPT
}

// NewGPT builds and initialises a model. Matmul weights and the token table are
// drawn from N(0, 0.02); the positional table, biases and LayerNorm shifts start at
// zero and LayerNorm scales at one.
func NewGPT(cfg params.ModelConfig) (*GPT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	wi := newInitializer(cfg.Seed)
	rng := rand.New(rand.NewPCG(cfg.Seed, 0xda3e39cb94b95bdb))
	D := cfg.EmbeddingDim

	g := &GPT{
		Config:   cfg,
		TokEmb:   optimizations.NewParam("tok_emb", wi.normal(D, cfg.VocabSize), optimizations.NoDecay),
		PosEmb:   optimizations.NewParam("pos_emb", mat.NewDense(D, cfg.ContextLength, nil), optimizations.NoDecay),
		Drop:     newDropout(cfg.Dropout, rng),
		Blocks:   make([]*TransformerBlock, cfg.NumLayers),
		LnF:      optimizations.NewLayerNorm("ln_f", D, lnEps),
		training: true,
	}
	for i := range g.Blocks {
		g.Blocks[i] = newBlock(i, D, cfg.NumHeads, cfg.Dropout, wi, rng)
	}
	g.Head = newLinear("head", D, cfg.VocabSize, false, wi)
	g.params = g.collect()

	if _, err := optimizations.SplitParamGroups(g.params); err != nil {
		return nil, fmt.Errorf("transformer: %w", err)
	}
	utils.Logf("number of parameters: %d", g.NumParams())
	return g, nil
}

func (g *GPT) collect() []*optimizations.Param {
	ps := []*optimizations.Param{g.TokEmb, g.PosEmb}
	for _, b := range g.Blocks {
		ps = append(ps, b.Parameters()...)
	}
	ps = append(ps, g.LnF.Parameters()...)
	return append(ps, g.Head.Parameters()...)
}

// Parameters lists every trainable tensor in a fixed order.
func (g *GPT) Parameters() []*optimizations.Param { return g.params }

func (g *GPT) NumParams() int {
	n := 0
	for _, p := range g.params {
		n += p.Size()
	}
	return n
}

func (g *GPT) ContextLength() int { return g.Config.ContextLength }
func (g *GPT) VocabSize() int     { return g.Config.VocabSize }

// SetTraining switches dropout on or off for Forward and ForwardBackward.
func (g *GPT) SetTraining(on bool) { g.training = on }
func (g *GPT) Training() bool     { return g.training }

func (g *GPT) ignored(target int) bool {
	return g.Config.IgnoreIndex != nil && *g.Config.IgnoreIndex == target
}

func (g *GPT) checkSeq(idx []int) error {
	if len(idx) == 0 {
		return fmt.Errorf("transformer: %w", ErrEmptySequence)
	}
	if len(idx) > g.Config.ContextLength {
		return fmt.Errorf("transformer: %w: %d > %d", ErrContextOverflow, len(idx), g.Config.ContextLength)
	}
	for _, id := range idx {
		if id < 0 || id >= g.Config.VocabSize {
			return fmt.Errorf("transformer: %w: %d not in [0,%d)", ErrTokenRange, id, g.Config.VocabSize)
		}
	}
	return nil
}

func (g *GPT) checkBatch(inputs, targets [][]int) error {
	if targets != nil && len(targets) != len(inputs) {
		return fmt.Errorf("transformer: %w: %d inputs, %d targets", ErrBatchShape, len(inputs), len(targets))
	}
	for b, idx := range inputs {
		if err := g.checkSeq(idx); err != nil {
			return err
		}
		if targets == nil {
			continue
		}
		if len(targets[b]) != len(idx) {
			return fmt.Errorf("transformer: %w: row %d has %d inputs, %d targets", ErrBatchShape, b, len(idx), len(targets[b]))
		}
		for _, y := range targets[b] {
			if !g.ignored(y) && (y < 0 || y >= g.Config.VocabSize) {
				return fmt.Errorf("transformer: %w: target %d", ErrTokenRange, y)
			}
		}
	}
	return nil
}

// CountTargets returns how many targets contribute to the loss.
func (g *GPT) CountTargets(targets [][]int) int {
	n := 0
	for _, row := range targets {
		for _, y := range row {
			if !g.ignored(y) {
				n++
			}
		}
	}
	return n
}

// forwardSeq returns the (V x T) logits for one validated sequence.
func (g *GPT) forwardSeq(idx []int, train bool) *mat.Dense {
	D := g.Config.EmbeddingDim
	x := mat.NewDense(D, len(idx), nil)
	for t, id := range idx {
		for i := 0; i < D; i++ {
			x.Set(i, t, g.TokEmb.W.At(i, id)+g.PosEmb.W.At(i, t))
		}
	}
	g.lastIdx = idx
	x = g.Drop.Forward(x, train)
	for _, b := range g.Blocks {
		x = b.Forward(x, train)
	}
	return g.Head.Forward(g.LnF.Forward(x))
}

func (g *GPT) backwardSeq(dLogits *mat.Dense) {
	dX := g.LnF.Backward(g.Head.Backward(dLogits))
	for i := len(g.Blocks) - 1; i >= 0; i-- {
		dX = g.Blocks[i].Backward(dX)
	}
	dX = g.Drop.Backward(dX)
	D, _ := dX.Dims()
	for t, id := range g.lastIdx {
		for i := 0; i < D; i++ {
			v := dX.At(i, t)
			g.TokEmb.G.Set(i, id, g.TokEmb.G.At(i, id)+v)
			g.PosEmb.G.Set(i, t, g.PosEmb.G.At(i, t)+v)
		}
	}
}

// seqLoss sums the cross-entropy over the counted positions of one sequence.
// When dLogits is non-nil its counted columns receive scale*(softmax - onehot).
func (g *GPT) seqLoss(logits *mat.Dense, targets []int, dLogits *mat.Dense, scale float64) (float64, int) {
	V, T := logits.Dims()
	col := make([]float64, V)
	var grad []float64
	if dLogits != nil {
		grad = make([]float64, V)
	}
	sum, n := 0.0, 0
	for t := 0; t < T; t++ {
		if g.ignored(targets[t]) {
			continue
		}
		mat.Col(col, t, logits)
		sum += utils.CrossEntropyWithIndex(col, targets[t], grad)
		n++
		if dLogits != nil {
			floats.Scale(scale, grad)
			dLogits.SetCol(t, grad)
		}
	}
	return sum, n
}

func mean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Forward returns per-sequence (V x T) logits and, when targets are given, the
// cross-entropy averaged over every counted prediction in the batch.
// Gradients are not touched.
func (g *GPT) Forward(inputs, targets [][]int) ([]*mat.Dense, float64, error) {
	if err := g.checkBatch(inputs, targets); err != nil {
		return nil, 0, err
	}
	logits := make([]*mat.Dense, len(inputs))
	sum, n := 0.0, 0
	for b, idx := range inputs {
		logits[b] = g.forwardSeq(idx, g.training)
		if targets != nil {
			s, c := g.seqLoss(logits[b], targets[b], nil, 0)
			sum += s
			n += c
		}
	}
	return logits, mean(sum, n), nil
}

// ForwardBackward computes the mean batch loss and accumulates its gradient into
// every Param.G. It returns the number of counted targets.
func (g *GPT) ForwardBackward(inputs, targets [][]int) (float64, int, error) {
	if targets == nil {
		return 0, 0, fmt.Errorf("transformer: %w: targets required", ErrBatchShape)
	}
	if err := g.checkBatch(inputs, targets); err != nil {
		return 0, 0, err
	}
	n := g.CountTargets(targets)
	if n == 0 {
		return 0, 0, nil
	}
	scale := 1.0 / float64(n)
	sum := 0.0
	for b, idx := range inputs {
		logits := g.forwardSeq(idx, g.training)
		V, T := logits.Dims()
		dLogits := mat.NewDense(V, T, nil)
		s, _ := g.seqLoss(logits, targets[b], dLogits, scale)
		sum += s
		g.backwardSeq(dLogits)
	}
	return sum / float64(n), n, nil
}

// LastLogits runs seq in inference mode and returns the logits for its final position.
func (g *GPT) LastLogits(seq []int) ([]float64, error) {
	if err := g.checkSeq(seq); err != nil {
		return nil, err
	}
	logits := g.forwardSeq(seq, false)
	_, T := logits.Dims()
	return mat.Col(nil, T-1, logits), nil
}

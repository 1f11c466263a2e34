package transformer

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/manningwu07/charGPT/optimizations"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/mat"
)

// Attention is causal multi-head self-attention over a (DModel x T) input.
// Head h owns rows [h*DHead, (h+1)*DHead) of the query, key and value projections.
type Attention struct {
	H      int
	DModel int
	DHead  int

	Query, Key, Value *Linear
	Proj              *Linear
	AttnDrop          []*Dropout // one mask per head
	ResidDrop         *Dropout

	// cache
	Q, K, V *mat.Dense   // (DModel x T)
	A       []*mat.Dense // per head (T x T) softmax weights, row = query position
	Ad      []*mat.Dense // A after dropout
	O       *mat.Dense   // concatenated heads (DModel x T)

	maskCache map[int]*mat.Dense
}

func newAttention(name string, dModel, nHeads int, dropout float64, wi *initializer, rng *rand.Rand) *Attention {
	if dModel%nHeads != 0 {
		panic(fmt.Sprintf("attention: dModel %d must be divisible by nHeads %d", dModel, nHeads))
	}
	a := &Attention{
		H:         nHeads,
		DModel:    dModel,
		DHead:     dModel / nHeads,
		Query:     newLinear(name+".query", dModel, dModel, true, wi),
		Key:       newLinear(name+".key", dModel, dModel, true, wi),
		Value:     newLinear(name+".value", dModel, dModel, true, wi),
		Proj:      newLinear(name+".proj", dModel, dModel, true, wi),
		AttnDrop:  make([]*Dropout, nHeads),
		ResidDrop: newDropout(dropout, rng),
		maskCache: make(map[int]*mat.Dense),
	}
	for h := range a.AttnDrop {
		a.AttnDrop[h] = newDropout(dropout, rng)
	}
	return a
}

// NewAttention builds a standalone attention layer with the usual initialisation.
func NewAttention(dModel, nHeads int, dropout float64, seed uint64) *Attention {
	return newAttention("attn", dModel, nHeads, dropout, newInitializer(seed), rand.New(rand.NewPCG(seed, 1)))
}

func (a *Attention) mask(T int) *mat.Dense {
	if m, ok := a.maskCache[T]; ok {
		return m
	}
	m := utils.CausalMask(T)
	a.maskCache[T] = m
	return m
}

func (a *Attention) head(m *mat.Dense, h int) *mat.Dense {
	_, T := m.Dims()
	return m.Slice(h*a.DHead, (h+1)*a.DHead, 0, T).(*mat.Dense)
}

// Forward returns the (DModel x T) attention output for X.
func (a *Attention) Forward(X *mat.Dense, train bool) *mat.Dense {
	_, T := X.Dims()
	a.Q = a.Query.Forward(X)
	a.K = a.Key.Forward(X)
	a.V = a.Value.Forward(X)
	a.A = make([]*mat.Dense, a.H)
	a.Ad = make([]*mat.Dense, a.H)
	a.O = mat.NewDense(a.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(a.DHead))
	mask := a.mask(T)
	for h := 0; h < a.H; h++ {
		var scores mat.Dense
		scores.Mul(a.head(a.Q, h).T(), a.head(a.K, h))
		scores.Scale(rescale, &scores)

		a.A[h] = utils.RowSoftmaxMaskedInPlace(mat.NewDense(T, T, nil), &scores, mask)
		a.Ad[h] = a.AttnDrop[h].Forward(a.A[h], train)

		// O[:, i] = sum_j Ad[i, j] V[:, j]
		var oh mat.Dense
		oh.Mul(a.head(a.V, h), a.Ad[h].T())
		a.head(a.O, h).Copy(&oh)
	}
	return a.ResidDrop.Forward(a.Proj.Forward(a.O), train)
}

// Backward accumulates every projection gradient and returns dX.
func (a *Attention) Backward(dY *mat.Dense) *mat.Dense {
	_, T := dY.Dims()
	dO := a.Proj.Backward(a.ResidDrop.Backward(dY))
	dQ := mat.NewDense(a.DModel, T, nil)
	dK := mat.NewDense(a.DModel, T, nil)
	dV := mat.NewDense(a.DModel, T, nil)

	rescale := 1.0 / math.Sqrt(float64(a.DHead))
	for h := 0; h < a.H; h++ {
		dOh := a.head(dO, h)

		var dVh mat.Dense
		dVh.Mul(dOh, a.Ad[h])
		a.head(dV, h).Copy(&dVh)

		var dAd mat.Dense
		dAd.Mul(dOh.T(), a.head(a.V, h))
		dA := a.AttnDrop[h].Backward(&dAd)

		dS := utils.SoftmaxBackward(dA, a.A[h])
		dS.Scale(rescale, dS)

		var dQh, dKh mat.Dense
		dQh.Mul(a.head(a.K, h), dS.T())
		dKh.Mul(a.head(a.Q, h), dS)
		a.head(dQ, h).Copy(&dQh)
		a.head(dK, h).Copy(&dKh)
	}

	dX := a.Query.Backward(dQ)
	dX.Add(dX, a.Key.Backward(dK))
	dX.Add(dX, a.Value.Backward(dV))
	return dX
}

func (a *Attention) Parameters() []*optimizations.Param {
	var ps []*optimizations.Param
	for _, l := range []*Linear{a.Query, a.Key, a.Value, a.Proj} {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

func (a *Attention) cloneShared(rng *rand.Rand) *Attention {
	c := &Attention{
		H:         a.H,
		DModel:    a.DModel,
		DHead:     a.DHead,
		Query:     a.Query.cloneShared(),
		Key:       a.Key.cloneShared(),
		Value:     a.Value.cloneShared(),
		Proj:      a.Proj.cloneShared(),
		AttnDrop:  make([]*Dropout, a.H),
		ResidDrop: a.ResidDrop.cloneWith(rng),
		maskCache: make(map[int]*mat.Dense),
	}
	for h, d := range a.AttnDrop {
		c.AttnDrop[h] = d.cloneWith(rng)
	}
	return c
}

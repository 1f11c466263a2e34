package transformer

import (
	"math/rand/v2"

	"github.com/manningwu07/charGPT/optimizations"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const initStd = 0.02

// initializer draws the narrow normal used for every matmul and token-embedding weight.
type initializer struct {
	dist distuv.Normal
}

func newInitializer(seed uint64) *initializer {
	return &initializer{dist: distuv.Normal{Mu: 0, Sigma: initStd, Src: rand.NewPCG(seed, 0x9e3779b97f4a7c15)}}
}

func (in *initializer) normal(r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = in.dist.Rand()
	}
	return mat.NewDense(r, c, data)
}

// Linear computes W X + b for a (in x T) input. W is tagged Decay, b NoDecay.
type Linear struct {
	In, Out int
	W       *optimizations.Param // (out x in)
	B       *optimizations.Param // (out x 1), nil without bias

	lastInput *mat.Dense
}

func newLinear(name string, in, out int, bias bool, wi *initializer) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   optimizations.NewParam(name+".weight", wi.normal(out, in), optimizations.Decay),
	}
	if bias {
		l.B = optimizations.NewParam(name+".bias", mat.NewDense(out, 1, nil), optimizations.NoDecay)
	}
	return l
}

func (l *Linear) Forward(X *mat.Dense) *mat.Dense {
	l.lastInput = X
	_, T := X.Dims()
	out := mat.NewDense(l.Out, T, nil)
	out.Mul(l.W.W, X)
	if l.B != nil {
		utils.AddBiasInPlace(out, l.B.W)
	}
	return out
}

// Backward accumulates dW and db and returns dX.
func (l *Linear) Backward(dY *mat.Dense) *mat.Dense {
	var dW mat.Dense
	dW.Mul(dY, l.lastInput.T())
	l.W.G.Add(l.W.G, &dW)
	if l.B != nil {
		utils.AddRowSums(l.B.G, dY)
	}
	_, T := dY.Dims()
	dX := mat.NewDense(l.In, T, nil)
	dX.Mul(l.W.W.T(), dY)
	return dX
}

func (l *Linear) Parameters() []*optimizations.Param {
	if l.B == nil {
		return []*optimizations.Param{l.W}
	}
	return []*optimizations.Param{l.W, l.B}
}

func (l *Linear) cloneShared() *Linear {
	return &Linear{In: l.In, Out: l.Out, W: l.W, B: l.B}
}

// Dropout is inverted dropout: kept entries are scaled by 1/(1-P) during training
// so inference is a plain identity.
type Dropout struct {
	P    float64
	rng  *rand.Rand
	mask *mat.Dense
}

func newDropout(p float64, rng *rand.Rand) *Dropout {
	return &Dropout{P: p, rng: rng}
}

func (d *Dropout) Forward(X *mat.Dense, train bool) *mat.Dense {
	if !train || d.P == 0 {
		d.mask = nil
		return X
	}
	r, c := X.Dims()
	keep := 1.0 / (1.0 - d.P)
	d.mask = mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if d.rng.Float64() >= d.P {
				d.mask.Set(i, j, keep)
			}
		}
	}
	out := mat.NewDense(r, c, nil)
	out.MulElem(X, d.mask)
	return out
}

func (d *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dY
	}
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(dY, d.mask)
	return out
}

func (d *Dropout) cloneWith(rng *rand.Rand) *Dropout {
	return &Dropout{P: d.P, rng: rng}
}

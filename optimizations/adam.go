package optimizations

import (
	"math"

	"github.com/manningwu07/charGPT/params"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/mat"
)

// AdamUpdateInPlace applies one bias-corrected AdamW update:
// p -= lr * (mhat/(sqrt(vhat)+eps) + wd * p)
func AdamUpdateInPlace(
	p, g, m, v []float64,
	t int,
	lr, beta1, beta2, eps, weightDecay float64,
) {
	if len(g) != len(p) || len(m) != len(p) || len(v) != len(p) {
		panic("AdamUpdateInPlace: length mismatch")
	}
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	for i, gi := range g {
		mi := beta1*m[i] + (1.0-beta1)*gi
		vi := beta2*v[i] + (1.0-beta2)*gi*gi
		denom := math.Sqrt(vi*c2) + eps
		p[i] -= lr * (mi*c1/denom + weightDecay*p[i])
		m[i] = mi
		v[i] = vi
	}
}

type moments struct {
	m, v []float64
}

// AdamW owns the optimizer state: per-parameter moments and the step count.
type AdamW struct {
	Groups      ParamGroups
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	lr    float64
	t     int
	state map[*Param]*moments
}

// NewAdamW partitions ps into decay / no-decay groups. A partition that does not
// cover ps exactly once is returned as an ErrPartition error.
func NewAdamW(ps []*Param, cfg params.TrainingConfig) (*AdamW, error) {
	groups, err := SplitParamGroups(ps)
	if err != nil {
		return nil, err
	}
	o := &AdamW{
		Groups:      groups,
		Beta1:       cfg.AdamBeta1,
		Beta2:       cfg.AdamBeta2,
		Eps:         cfg.AdamEps,
		WeightDecay: cfg.WeightDecay,
		lr:          cfg.LearningRate,
		state:       make(map[*Param]*moments, len(ps)),
	}
	for _, p := range ps {
		n := p.Size()
		o.state[p] = &moments{m: make([]float64, n), v: make([]float64, n)}
	}
	return o, nil
}

func (o *AdamW) SetLR(lr float64) { o.lr = lr }
func (o *AdamW) LR() float64      { return o.lr }
func (o *AdamW) Steps() int       { return o.t }

// ZeroGrad clears every gradient accumulator.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.Groups.Decay {
		p.ZeroGrad()
	}
	for _, p := range o.Groups.NoDecay {
		p.ZeroGrad()
	}
}

// Step applies one update to both groups; only the decay group sees weight decay.
func (o *AdamW) Step() {
	o.t++
	for _, p := range o.Groups.Decay {
		o.update(p, o.WeightDecay)
	}
	for _, p := range o.Groups.NoDecay {
		o.update(p, 0)
	}
}

func (o *AdamW) update(p *Param, wd float64) {
	st := o.state[p]
	AdamUpdateInPlace(contiguous(p.W), contiguous(p.G), st.m, st.v, o.t,
		o.lr, o.Beta1, o.Beta2, o.Eps, wd)
}

// ClipGradNorm rescales every gradient so the global L2 norm is at most maxNorm
// and returns the norm before clipping.
func ClipGradNorm(ps []*Param, maxNorm float64) float64 {
	grads := make([]*mat.Dense, len(ps))
	for i, p := range ps {
		grads[i] = p.G
	}
	return utils.ClipGrads(maxNorm, grads...)
}

func contiguous(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride != raw.Cols {
		panic("optimizations: parameter matrix is a strided view")
	}
	return raw.Data[:raw.Rows*raw.Cols]
}

package optimizations

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// DecayTag says whether AdamW applies weight decay to a parameter.
// The zero value is deliberately untagged so a forgotten tag fails verification.
type DecayTag int

const (
	Untagged DecayTag = iota
	Decay
	NoDecay
)

func (d DecayTag) String() string {
	switch d {
	case Decay:
		return "decay"
	case NoDecay:
		return "no_decay"
	}
	return fmt.Sprintf("untagged(%d)", int(d))
}

// Param is one trainable tensor with its gradient accumulator.
type Param struct {
	Name string
	W    *mat.Dense
	G    *mat.Dense
	Tag  DecayTag
}

func NewParam(name string, w *mat.Dense, tag DecayTag) *Param {
	r, c := w.Dims()
	return &Param{Name: name, W: w, G: mat.NewDense(r, c, nil), Tag: tag}
}

func (p *Param) ZeroGrad() { p.G.Zero() }

func (p *Param) Size() int {
	r, c := p.W.Dims()
	return r * c
}

package transformer

import (
	"fmt"
	"math/rand/v2"

	"github.com/manningwu07/charGPT/optimizations"
	"gonum.org/v1/gonum/mat"
)

const lnEps = 1e-5

// TransformerBlock is one pre-norm layer:
//
//	h = x + Attn(Ln1(x))
//	y = h + Mlp(Ln2(h))
type TransformerBlock struct {
	Ln1  *optimizations.LayerNorm
	Attn *Attention
	Ln2  *optimizations.LayerNorm
	Mlp  *MLP
}

func newBlock(i, dModel, nHeads int, dropout float64, wi *initializer, rng *rand.Rand) *TransformerBlock {
	name := fmt.Sprintf("blocks.%d", i)
	return &TransformerBlock{
		Ln1:  optimizations.NewLayerNorm(name+".ln1", dModel, lnEps),
		Attn: newAttention(name+".attn", dModel, nHeads, dropout, wi, rng),
		Ln2:  optimizations.NewLayerNorm(name+".ln2", dModel, lnEps),
		Mlp:  newMLP(name+".mlp", dModel, dropout, wi, rng),
	}
}

func (b *TransformerBlock) Forward(X *mat.Dense, train bool) *mat.Dense {
	h := mat.DenseCopyOf(X)
	h.Add(h, b.Attn.Forward(b.Ln1.Forward(X), train))
	y := mat.DenseCopyOf(h)
	y.Add(y, b.Mlp.Forward(b.Ln2.Forward(h), train))
	return y
}

func (b *TransformerBlock) Backward(dY *mat.Dense) *mat.Dense {
	dH := b.Ln2.Backward(b.Mlp.Backward(dY))
	dH.Add(dH, dY)
	dX := b.Ln1.Backward(b.Attn.Backward(dH))
	dX.Add(dX, dH)
	return dX
}

func (b *TransformerBlock) Parameters() []*optimizations.Param {
	var ps []*optimizations.Param
	ps = append(ps, b.Ln1.Parameters()...)
	ps = append(ps, b.Attn.Parameters()...)
	ps = append(ps, b.Ln2.Parameters()...)
	return append(ps, b.Mlp.Parameters()...)
}

func (b *TransformerBlock) cloneShared(rng *rand.Rand) *TransformerBlock {
	return &TransformerBlock{
		Ln1:  b.Ln1.CloneShared(),
		Attn: b.Attn.cloneShared(rng),
		Ln2:  b.Ln2.CloneShared(),
		Mlp:  b.Mlp.cloneShared(rng),
	}
}

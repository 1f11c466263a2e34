package transformer

import (
	"math/rand/v2"

	"github.com/manningwu07/charGPT/optimizations"
	"github.com/manningwu07/charGPT/utils"
	"gonum.org/v1/gonum/mat"
)

// MLP is the position-wise feed-forward sublayer: Fc (4d x d), GELU, Proj (d x 4d), dropout.
type MLP struct {
	Inputs, Hiddens int
	Fc, Proj        *Linear
	Drop            *Dropout

	// cache for backprop
	hiddenPreAct *mat.Dense
}

func newMLP(name string, dModel int, dropout float64, wi *initializer, rng *rand.Rand) *MLP {
	hidden := 4 * dModel
	return &MLP{
		Inputs:  dModel,
		Hiddens: hidden,
		Fc:      newLinear(name+".fc", dModel, hidden, true, wi),
		Proj:    newLinear(name+".proj", hidden, dModel, true, wi),
		Drop:    newDropout(dropout, rng),
	}
}

func (mlp *MLP) Forward(X *mat.Dense, train bool) *mat.Dense {
	mlp.hiddenPreAct = mlp.Fc.Forward(X) // (h x T)
	r, c := mlp.hiddenPreAct.Dims()
	hidden := mat.NewDense(r, c, nil)
	hidden.Apply(utils.GeluApply, mlp.hiddenPreAct)
	return mlp.Drop.Forward(mlp.Proj.Forward(hidden), train)
}

func (mlp *MLP) Backward(dY *mat.Dense) *mat.Dense {
	dHidden := mlp.Proj.Backward(mlp.Drop.Backward(dY))
	dHidden.MulElem(dHidden, utils.GeluPrime(mlp.hiddenPreAct))
	return mlp.Fc.Backward(dHidden)
}

func (mlp *MLP) Parameters() []*optimizations.Param {
	return append(mlp.Fc.Parameters(), mlp.Proj.Parameters()...)
}

func (mlp *MLP) cloneShared(rng *rand.Rand) *MLP {
	return &MLP{
		Inputs:  mlp.Inputs,
		Hiddens: mlp.Hiddens,
		Fc:      mlp.Fc.cloneShared(),
		Proj:    mlp.Proj.cloneShared(),
		Drop:    mlp.Drop.cloneWith(rng),
	}
}

package transformer

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return mat.NewDense(r, c, data)
}

func finiteDiffCheck(t *testing.T, name string, param, grad *mat.Dense,
	forward func() float64, i, j int) {
	t.Helper()

	const eps = 1e-5
	w0 := param.At(i, j)

	param.Set(i, j, w0+eps)
	lp := forward()
	param.Set(i, j, w0-eps)
	lm := forward()
	param.Set(i, j, w0)

	numGrad := (lp - lm) / (2.0 * eps)
	anaGrad := grad.At(i, j)
	if math.Abs(numGrad-anaGrad) > 1e-6+1e-4*math.Abs(numGrad) {
		t.Fatalf("%s[%d,%d] grad mismatch: num=%.8g ana=%.8g", name, i, j, numGrad, anaGrad)
	}
}

func TestAttentionPreservesShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	cases := []struct{ T, D, H int }{{1, 4, 1}, {3, 4, 2}, {5, 8, 4}, {7, 12, 3}, {4, 16, 16}}
	for _, c := range cases {
		attn := NewAttention(c.D, c.H, 0.1, 7)
		x := randomDense(rng, c.D, c.T)
		for _, train := range []bool{false, true} {
			y := attn.Forward(x, train)
			if r, cols := y.Dims(); r != c.D || cols != c.T {
				t.Fatalf("T=%d D=%d H=%d train=%v: got %dx%d", c.T, c.D, c.H, train, r, cols)
			}
		}
	}
}

func TestAttentionIsCausal(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	D, H, T := 8, 2, 6
	attn := NewAttention(D, H, 0, 11)
	x := randomDense(rng, D, T)
	y := mat.DenseCopyOf(attn.Forward(x, false))

	for h := 0; h < H; h++ {
		for i := 0; i < T; i++ {
			for j := i + 1; j < T; j++ {
				if w := attn.A[h].At(i, j); w != 0 {
					t.Fatalf("head %d: weight %d->%d = %g, want 0", h, i, j, w)
				}
			}
		}
	}

	// Changing the last position must leave every earlier output column untouched.
	for i := 0; i < D; i++ {
		x.Set(i, T-1, x.At(i, T-1)+5)
	}
	y2 := attn.Forward(x, false)
	for t0 := 0; t0 < T-1; t0++ {
		for i := 0; i < D; i++ {
			if y.At(i, t0) != y2.At(i, t0) {
				t.Fatalf("output at position %d changed after editing position %d", t0, T-1)
			}
		}
	}
}

func TestAttentionGradCheck(t *testing.T) {
	rng := rand.New(rand.NewPCG(123, 456))
	D, H, T := 6, 2, 4
	attn := NewAttention(D, H, 0, 3)
	// Larger weights than the default init so the softmax is not nearly uniform.
	for _, p := range attn.Parameters() {
		r, c := p.W.Dims()
		p.W.Copy(randomDense(rng, r, c))
		p.W.Scale(0.4, p.W)
	}
	x := randomDense(rng, D, T)
	proj := randomDense(rng, D, T)

	forward := func() float64 {
		var m mat.Dense
		m.MulElem(attn.Forward(x, false), proj)
		return mat.Sum(&m)
	}

	attn.Forward(x, false)
	dX := attn.Backward(proj)

	for _, p := range attn.Parameters() {
		r, c := p.W.Dims()
		for k := 0; k < 3; k++ {
			finiteDiffCheck(t, p.Name, p.W, p.G, forward, rng.IntN(r), rng.IntN(c))
		}
	}
	for i := 0; i < D; i++ {
		for j := 0; j < T; j++ {
			finiteDiffCheck(t, "x", x, dX, forward, i, j)
		}
	}
}

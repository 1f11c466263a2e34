package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Matrix helpers shared by the layers. Activations are (d x T): one column per position.

// -------- GELU activation (GPT-style) --------
// gelu(x) = 0.5 * x * (1 + tanh( sqrt(2/pi) * (x + 0.044715*x^3) ))

const geluK = 0.7978845608028654 // sqrt(2/pi)

// GeluApply matches mat.Dense.Apply.
func GeluApply(i, j int, x float64) float64 {
	t := geluK * (x + 0.044715*x*x*x)
	return 0.5 * x * (1.0 + math.Tanh(t))
}

// GeluPrime returns the elementwise derivative given the pre-activation matrix.
func GeluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x := m.At(i, j)
			t := geluK * (x + 0.044715*x*x*x)
			th := math.Tanh(t)
			sech2 := 1.0 - th*th
			dt := geluK * (1.0 + 3.0*0.044715*x*x)
			out.Set(i, j, 0.5*(1.0+th)+0.5*x*sech2*dt)
		}
	}
	return out
}

// AddBiasInPlace adds the (r x 1) bias to every column of m.
func AddBiasInPlace(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if rb, cb := bias.Dims(); rb != r || cb != 1 {
		panic("AddBiasInPlace: bias must be (r x 1)")
	}
	for i := 0; i < r; i++ {
		b := bias.At(i, 0)
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)+b)
		}
	}
	return m
}

// AddRowSums accumulates the per-row sums of m into the (r x 1) dst.
// Bias gradients are the sum over time of the upstream gradient.
func AddRowSums(dst, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
		dst.Set(i, 0, dst.At(i, 0)+s)
	}
}

// CausalMask returns (T x T) with 0 on and below the diagonal, -Inf above.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	negInf := math.Inf(-1)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, negInf)
		}
	}
	return out
}

// ---------- Softmax variants ----------

// RowSoftmaxMaskedInPlace writes softmax(m+mask) into dst row by row.
// Masked entries come out as exact zeros.
func RowSoftmaxMaskedInPlace(dst, m, mask *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic("RowSoftmaxMaskedInPlace: dst shape mismatch")
	}
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMaskedInPlace: mask shape mismatch")
	}
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j) + mask.At(i, j)
		}
		Softmax(row, row)
		dst.SetRow(i, row)
	}
	return dst
}

// Softmax writes the normalized exponentials of logits into dst (which may alias logits).
// -Inf logits map to 0.
func Softmax(dst, logits []float64) []float64 {
	mx := floats.Max(logits)
	sum := 0.0
	for i, v := range logits {
		e := math.Exp(v - mx)
		dst[i] = e
		sum += e
	}
	floats.Scale(1/sum, dst)
	return dst
}

// SoftmaxBackward for the row-wise softmax used in attention.
// For each row i: s = sum_k dA[i,k]*A[i,k]; dS[i,j] = A[i,j]*(dA[i,j]-s)
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}

// ---------- Loss ----------

// CrossEntropyWithIndex returns -log softmax(logits)[gold]. When grad is non-nil it
// receives softmax(logits) - onehot(gold).
func CrossEntropyWithIndex(logits []float64, gold int, grad []float64) float64 {
	lse := floats.LogSumExp(logits)
	loss := lse - logits[gold]
	if grad != nil {
		for i, v := range logits {
			grad[i] = math.Exp(v - lse)
		}
		grad[gold] -= 1
	}
	return loss
}

// ArgMax returns the first index holding the largest value.
func ArgMax(s []float64) int {
	return floats.MaxIdx(s)
}

package utils

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// eachRow hands out the backing slice of every row, so views with a stride work too.
func eachRow(a *mat.Dense, fn func(row []float64)) {
	raw := a.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		fn(raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols])
	}
}

// Flatten copies a into a new row-major slice.
func Flatten(a *mat.Dense) []float64 {
	r, c := a.Dims()
	out := make([]float64, 0, r*c)
	eachRow(a, func(row []float64) { out = append(out, row...) })
	return out
}

func sumSquares(m *mat.Dense) float64 {
	s := 0.0
	eachRow(m, func(row []float64) { s += floats.Dot(row, row) })
	return s
}

// IsFinite reports whether every element of m is neither NaN nor Inf.
func IsFinite(m *mat.Dense) bool {
	ok := true
	eachRow(m, func(row []float64) {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				ok = false
			}
		}
	})
	return ok
}

// debugging and clipping.

// ClipGrads scales all grads so their combined L2 norm <= maxNorm.
// Returns the norm measured before clipping. maxNorm <= 0 only measures.
func ClipGrads(maxNorm float64, grads ...*mat.Dense) float64 {
	sum := 0.0
	for _, g := range grads {
		if g != nil {
			sum += sumSquares(g)
		}
	}
	gn := math.Sqrt(sum)
	if maxNorm <= 0 || gn <= maxNorm || gn == 0 {
		return gn
	}
	s := maxNorm / (gn + 1e-6)
	for _, g := range grads {
		if g != nil {
			eachRow(g, func(row []float64) { floats.Scale(s, row) })
		}
	}
	return gn
}

package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LayerNormEpsilon matches the framework default
const LayerNormEpsilon = 1e-5

// SoftmaxRows applies a softmax to every row of m in place
func SoftmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		top := floats.Max(row)
		sum := 0.0
		for j, v := range row {
			row[j] = math.Exp(v - top)
			sum += row[j]
		}
		floats.Scale(1/sum, row)
	}
}

// SoftmaxRowsBackward returns dL/dx given the softmax output p and dL/dp
func SoftmaxRowsBackward(p, dp *mat.Dense) *mat.Dense {
	r, c := p.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		pRow := p.RawRowView(i)
		dpRow := dp.RawRowView(i)
		dot := floats.Dot(pRow, dpRow)
		dxRow := dx.RawRowView(i)
		for j := range dxRow {
			dxRow[j] = pRow[j] * (dpRow[j] - dot)
		}
	}
	return dx
}

// LayerNormCache keeps what the layer norm backward needs
type LayerNormCache struct {
	xhat   *mat.Dense
	invStd []float64
}

// LayerNorm normalizes every row of x over its last axis and applies gain and bias
func LayerNorm(x *mat.Dense, gain, bias []float64) (*mat.Dense, *LayerNormCache) {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	cache := &LayerNormCache{
		xhat:   mat.NewDense(r, c, nil),
		invStd: make([]float64, r),
	}
	n := float64(c)
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		mean := floats.Sum(row) / n
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= n
		invStd := 1 / math.Sqrt(variance+LayerNormEpsilon)
		cache.invStd[i] = invStd

		xhat := cache.xhat.RawRowView(i)
		out := y.RawRowView(i)
		for j, v := range row {
			xhat[j] = (v - mean) * invStd
			out[j] = gain[j]*xhat[j] + bias[j]
		}
	}
	return y, cache
}

// LayerNormBackward accumulates the gain and bias gradients and returns dL/dx
func LayerNormBackward(cache *LayerNormCache, gain []float64, dy *mat.Dense, dGain, dBias []float64) *mat.Dense {
	r, c := dy.Dims()
	dx := mat.NewDense(r, c, nil)
	dxhat := make([]float64, c)
	n := float64(c)
	for i := 0; i < r; i++ {
		dyRow := dy.RawRowView(i)
		xhat := cache.xhat.RawRowView(i)
		for j := range dyRow {
			dGain[j] += dyRow[j] * xhat[j]
			dBias[j] += dyRow[j]
			dxhat[j] = dyRow[j] * gain[j]
		}
		meanDxhat := floats.Sum(dxhat) / n
		meanDxhatXhat := floats.Dot(dxhat, xhat) / n

		dxRow := dx.RawRowView(i)
		for j := range dxRow {
			dxRow[j] = cache.invStd[i] * (dxhat[j] - meanDxhat - xhat[j]*meanDxhatXhat)
		}
	}
	return dx
}

// Linear computes x W + b for W of shape [in, out]
func Linear(x *mat.Dense, w, b *Param) *mat.Dense {
	r, _ := x.Dims()
	y := mat.NewDense(r, w.Cols(), nil)
	y.Mul(x, w.Matrix())
	if b != nil {
		for i := 0; i < r; i++ {
			floats.Add(y.RawRowView(i), b.Data)
		}
	}
	return y
}

// LinearBackward accumulates the W and b gradients of Linear and returns dL/dx
func LinearBackward(x *mat.Dense, w, b *Param, dy *mat.Dense, grads *GradSet) *mat.Dense {
	var dw mat.Dense
	dw.Mul(x.T(), dy)
	gw := grads.Of(w).Matrix(w)
	gw.Add(gw, &dw)

	if b != nil {
		gb := grads.Of(b).Dense
		r, _ := dy.Dims()
		for i := 0; i < r; i++ {
			floats.Add(gb, dy.RawRowView(i))
		}
	}

	var dx mat.Dense
	dx.Mul(dy, w.Matrix().T())
	return &dx
}

// ReLU clamps negative entries of m to zero in place
func ReLU(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, m)
}

// ReLUBackward zeroes entries of dy where the ReLU output y was not positive
func ReLUBackward(dy, y *mat.Dense) {
	dy.Apply(func(i, j int, v float64) float64 {
		if y.At(i, j) <= 0 {
			return 0
		}
		return v
	}, dy)
}

// Sigmoid is the logistic function
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// SigmoidCrossEntropy is the numerically stable binary cross entropy on a logit
func SigmoidCrossEntropy(logit, label float64) float64 {
	return math.Max(logit, 0) - logit*label + math.Log1p(math.Exp(-math.Abs(logit)))
}

// Clip clamps x to [low, high]
func Clip(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}

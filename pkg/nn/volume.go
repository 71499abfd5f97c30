package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Volume is a [C, D, H, W] tensor stored channel-major
type Volume struct {
	C, D, H, W int
	Data       []float64
}

// NewVolume allocates a zero volume
func NewVolume(c, d, h, w int) *Volume {
	return &Volume{C: c, D: d, H: h, W: w, Data: make([]float64, c*d*h*w)}
}

// Index returns the flat offset of (c, d, h, w)
func (v *Volume) Index(c, d, h, w int) int {
	return ((c*v.D+d)*v.H+h)*v.W + w
}

// Spatial returns D*H*W
func (v *Volume) Spatial() int {
	return v.D * v.H * v.W
}

// Conv3d is a 3x3x3 convolution with stride 1 and same padding
type Conv3d struct {
	In, Out int
	W       *Param // [Out, In*27]
	B       *Param // [Out]
}

const kernel3 = 3 * 3 * 3

// NewConv3d registers the weights of a conv3d layer in ps
func NewConv3d(ps *ParamSet, name string, in, out int) *Conv3d {
	return &Conv3d{
		In:  in,
		Out: out,
		W:   ps.Add(NewParam(name+".w", out, in*kernel3)),
		B:   ps.Add(NewParam(name+".b", out)),
	}
}

// im2col unrolls every 3x3x3 neighbourhood of x into a row of [D*H*W, C*27]
func im2col(x *Volume) *mat.Dense {
	cols := x.C * kernel3
	col := mat.NewDense(x.Spatial(), cols, nil)
	raw := col.RawMatrix()
	for d := 0; d < x.D; d++ {
		for h := 0; h < x.H; h++ {
			for w := 0; w < x.W; w++ {
				row := raw.Data[((d*x.H+h)*x.W+w)*raw.Stride:]
				k := 0
				for c := 0; c < x.C; c++ {
					for kd := -1; kd <= 1; kd++ {
						for kh := -1; kh <= 1; kh++ {
							for kw := -1; kw <= 1; kw++ {
								dd, hh, ww := d+kd, h+kh, w+kw
								if dd >= 0 && dd < x.D && hh >= 0 && hh < x.H && ww >= 0 && ww < x.W {
									row[k] = x.Data[x.Index(c, dd, hh, ww)]
								}
								k++
							}
						}
					}
				}
			}
		}
	}
	return col
}

// col2im scatters a [D*H*W, C*27] gradient back into a [c, d, h, w] volume
func col2im(dcol *mat.Dense, c, d, h, w int) *Volume {
	dx := NewVolume(c, d, h, w)
	raw := dcol.RawMatrix()
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				row := raw.Data[((z*h+y)*w+x)*raw.Stride:]
				k := 0
				for ch := 0; ch < c; ch++ {
					for kd := -1; kd <= 1; kd++ {
						for kh := -1; kh <= 1; kh++ {
							for kw := -1; kw <= 1; kw++ {
								zz, yy, xx := z+kd, y+kh, x+kw
								if zz >= 0 && zz < d && yy >= 0 && yy < h && xx >= 0 && xx < w {
									dx.Data[dx.Index(ch, zz, yy, xx)] += row[k]
								}
								k++
							}
						}
					}
				}
			}
		}
	}
	return dx
}

// Conv3dCache keeps the unrolled input for the backward pass
type Conv3dCache struct {
	col     *mat.Dense
	d, h, w int
}

// Forward convolves x and adds the bias
func (cv *Conv3d) Forward(x *Volume) (*Volume, *Conv3dCache) {
	col := im2col(x)

	var out mat.Dense
	out.Mul(col, cv.W.Matrix().T()) // [D*H*W, Out]

	y := NewVolume(cv.Out, x.D, x.H, x.W)
	spatial := x.Spatial()
	for o := 0; o < cv.Out; o++ {
		dst := y.Data[o*spatial : (o+1)*spatial]
		for p := 0; p < spatial; p++ {
			dst[p] = out.At(p, o) + cv.B.Data[o]
		}
	}
	return y, &Conv3dCache{col: col, d: x.D, h: x.H, w: x.W}
}

// Backward accumulates weight and bias gradients and returns dL/dx
func (cv *Conv3d) Backward(cache *Conv3dCache, dy *Volume, grads *GradSet) *Volume {
	spatial := dy.Spatial()
	// dy as [D*H*W, Out]
	dOut := mat.NewDense(spatial, cv.Out, nil)
	gb := grads.Of(cv.B).Dense
	for o := 0; o < cv.Out; o++ {
		src := dy.Data[o*spatial : (o+1)*spatial]
		gb[o] += floats.Sum(src)
		for p := 0; p < spatial; p++ {
			dOut.Set(p, o, src[p])
		}
	}

	var dw mat.Dense
	dw.Mul(dOut.T(), cache.col)
	gw := grads.Of(cv.W).Matrix(cv.W)
	gw.Add(gw, &dw)

	var dcol mat.Dense
	dcol.Mul(dOut, cv.W.Matrix())
	return col2im(&dcol, cv.In, cache.d, cache.h, cache.w)
}

// ELU applies exp(x)-1 to non-positive entries of v in place
func ELU(v *Volume) {
	for i, x := range v.Data {
		if x <= 0 {
			v.Data[i] = math.Expm1(x)
		}
	}
}

// ELUBackward scales dy by the ELU derivative computed from the ELU output y
func ELUBackward(dy, y *Volume) {
	for i, out := range y.Data {
		if out <= 0 {
			dy.Data[i] *= out + 1
		}
	}
}

// MaxPool3d is max pooling with window 3, stride 3 and padding 1; padded cells never win
type MaxPool3d struct{}

// PoolCache keeps the winning input offsets
type PoolCache struct {
	argmax     []int
	c, d, h, w int
}

func poolDim(n int) int {
	return (n+2-3)/3 + 1
}

// Forward pools x
func (MaxPool3d) Forward(x *Volume) (*Volume, *PoolCache) {
	od, oh, ow := poolDim(x.D), poolDim(x.H), poolDim(x.W)
	y := NewVolume(x.C, od, oh, ow)
	cache := &PoolCache{argmax: make([]int, len(y.Data)), c: x.C, d: x.D, h: x.H, w: x.W}

	for c := 0; c < x.C; c++ {
		for d := 0; d < od; d++ {
			for h := 0; h < oh; h++ {
				for w := 0; w < ow; w++ {
					best := math.Inf(-1)
					bestIdx := -1
					for kd := 0; kd < 3; kd++ {
						dd := d*3 - 1 + kd
						if dd < 0 || dd >= x.D {
							continue
						}
						for kh := 0; kh < 3; kh++ {
							hh := h*3 - 1 + kh
							if hh < 0 || hh >= x.H {
								continue
							}
							for kw := 0; kw < 3; kw++ {
								ww := w*3 - 1 + kw
								if ww < 0 || ww >= x.W {
									continue
								}
								idx := x.Index(c, dd, hh, ww)
								if x.Data[idx] > best {
									best = x.Data[idx]
									bestIdx = idx
								}
							}
						}
					}
					o := y.Index(c, d, h, w)
					y.Data[o] = best
					cache.argmax[o] = bestIdx
				}
			}
		}
	}
	return y, cache
}

// Backward routes dy to the winning inputs
func (MaxPool3d) Backward(cache *PoolCache, dy *Volume) *Volume {
	dx := NewVolume(cache.c, cache.d, cache.h, cache.w)
	for o, idx := range cache.argmax {
		if idx >= 0 {
			dx.Data[idx] += dy.Data[o]
		}
	}
	return dx
}

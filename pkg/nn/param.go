package nn

import (
	"fmt"
	"math"
	"math/rand"

	sync "github.com/sasha-s/go-deadlock"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable tensor stored row-major
type Param struct {
	Name  string
	Shape []int
	Data  []float64

	// Sparse params (embedding tables) collect gradients per row
	Sparse bool

	index int
}

// NewParam allocates a zero param
func NewParam(name string, shape ...int) *Param {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, size),
		index: -1,
	}
}

// Size returns the number of elements
func (p *Param) Size() int {
	return len(p.Data)
}

// Rows returns the leading dimension
func (p *Param) Rows() int {
	return p.Shape[0]
}

// Cols returns the product of the trailing dimensions
func (p *Param) Cols() int {
	return len(p.Data) / p.Shape[0]
}

// Row returns row i as a slice of Data
func (p *Param) Row(i int) []float64 {
	cols := p.Cols()
	return p.Data[i*cols : (i+1)*cols]
}

// Matrix views the param as a Rows x Cols matrix sharing Data
func (p *Param) Matrix() *mat.Dense {
	return mat.NewDense(p.Rows(), p.Cols(), p.Data)
}

// XavierUniform fills p with U(-limit, limit), limit = sqrt(6/(fanIn+fanOut))
func (p *Param) XavierUniform(fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	p.Uniform(-limit, limit, rng)
}

// Uniform fills p with U(low, high)
func (p *Param) Uniform(low, high float64, rng *rand.Rand) {
	for i := range p.Data {
		p.Data[i] = low + rng.Float64()*(high-low)
	}
}

// Constant fills p with v
func (p *Param) Constant(v float64) {
	for i := range p.Data {
		p.Data[i] = v
	}
}

// ParamSet keeps params in declaration order
type ParamSet struct {
	Params []*Param
	byName map[string]*Param
}

// NewParamSet creates an empty set
func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Param)}
}

// Add registers p; names must be unique
func (ps *ParamSet) Add(p *Param) *Param {
	if _, exists := ps.byName[p.Name]; exists {
		panic(fmt.Sprintf("nn: duplicate param %q", p.Name))
	}
	p.index = len(ps.Params)
	ps.Params = append(ps.Params, p)
	ps.byName[p.Name] = p
	return p
}

// Get looks up a param by name
func (ps *ParamSet) Get(name string) (*Param, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Count returns the total number of scalars
func (ps *ParamSet) Count() int {
	n := 0
	for _, p := range ps.Params {
		n += p.Size()
	}
	return n
}

// Grad is the gradient buffer of one param
type Grad struct {
	Dense []float64
	Rows  map[int][]float64
	cols  int
}

// Row returns the gradient row i of a sparse param, allocating it on first use
func (g *Grad) Row(i int) []float64 {
	r, ok := g.Rows[i]
	if !ok {
		r = make([]float64, g.cols)
		g.Rows[i] = r
	}
	return r
}

// Matrix views a dense gradient with the param's matrix shape
func (g *Grad) Matrix(p *Param) *mat.Dense {
	return mat.NewDense(p.Rows(), p.Cols(), g.Dense)
}

// Value returns the gradient of flat element i
func (g *Grad) Value(i int) float64 {
	if g.Rows == nil {
		return g.Dense[i]
	}
	if r, ok := g.Rows[i/g.cols]; ok {
		return r[i%g.cols]
	}
	return 0
}

// GradSet holds one gradient buffer per param of a ParamSet
type GradSet struct {
	grads []*Grad
	mu    sync.Mutex
}

// NewGradSet allocates zero gradients for ps
func NewGradSet(ps *ParamSet) *GradSet {
	gs := &GradSet{grads: make([]*Grad, len(ps.Params))}
	for i, p := range ps.Params {
		if p.Sparse {
			gs.grads[i] = &Grad{Rows: make(map[int][]float64), cols: p.Cols()}
		} else {
			gs.grads[i] = &Grad{Dense: make([]float64, p.Size()), cols: p.Cols()}
		}
	}
	return gs
}

// Of returns the gradient of p
func (gs *GradSet) Of(p *Param) *Grad {
	return gs.grads[p.index]
}

// Zero resets every gradient
func (gs *GradSet) Zero() {
	for _, g := range gs.grads {
		if g.Rows != nil {
			g.Rows = make(map[int][]float64)
		} else {
			for i := range g.Dense {
				g.Dense[i] = 0
			}
		}
	}
}

// Merge adds scale*other into gs. Safe to call from several goroutines.
func (gs *GradSet) Merge(other *GradSet, scale float64) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	for i, g := range gs.grads {
		o := other.grads[i]
		if g.Rows != nil {
			for r, row := range o.Rows {
				floats.AddScaled(g.Row(r), scale, row)
			}
		} else {
			floats.AddScaled(g.Dense, scale, o.Dense)
		}
	}
}

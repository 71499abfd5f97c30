package optim

import (
	"fmt"
	"math"

	"github.com/cnclabs/dam/pkg/nn"
)

// Adam implements the Adam optimizer with gradient clipping by value
// and a staircase exponential learning-rate decay
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	// gradients are clipped to [-Clip, Clip] before the update; 0 disables clipping
	Clip float64

	DecaySteps int
	DecayRate  float64

	params *nn.ParamSet
	step   int
	m, v   [][]float64
}

// State is the serializable optimizer state
type State struct {
	Step int
	M, V map[string][]float64
}

// NewAdam creates an optimizer over every param of ps
func NewAdam(ps *nn.ParamSet, learningRate float64) *Adam {
	a := &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		Clip:         1.0,
		DecaySteps:   400,
		DecayRate:    0.9,
		params:       ps,
		m:            make([][]float64, len(ps.Params)),
		v:            make([][]float64, len(ps.Params)),
	}
	for i, p := range ps.Params {
		a.m[i] = make([]float64, p.Size())
		a.v[i] = make([]float64, p.Size())
	}
	return a
}

// Step returns the number of updates applied so far
func (a *Adam) Step() int {
	return a.step
}

// CurrentLearningRate returns lr * decay_rate^floor(step/decay_steps)
func (a *Adam) CurrentLearningRate() float64 {
	if a.DecaySteps <= 0 {
		return a.LearningRate
	}
	return a.LearningRate * math.Pow(a.DecayRate, math.Floor(float64(a.step)/float64(a.DecaySteps)))
}

// Update applies one step using grads
func (a *Adam) Update(grads *nn.GradSet) {
	lr := a.CurrentLearningRate()
	a.step++

	t := float64(a.step)
	correction1 := 1 - math.Pow(a.Beta1, t)
	correction2 := 1 - math.Pow(a.Beta2, t)
	lrT := lr * math.Sqrt(correction2) / correction1
	eps := a.Epsilon * math.Sqrt(correction2)

	for i, p := range a.params.Params {
		g := grads.Of(p)
		if g.Rows == nil {
			a.apply(p.Data, g.Dense, a.m[i], a.v[i], lrT, eps)
			continue
		}
		// untouched rows still decay their moments
		cols := p.Cols()
		for r := 0; r < p.Rows(); r++ {
			lo, hi := r*cols, (r+1)*cols
			a.apply(p.Data[lo:hi], g.Rows[r], a.m[i][lo:hi], a.v[i][lo:hi], lrT, eps)
		}
	}
}

// apply updates w in place; a nil grad is treated as zero
func (a *Adam) apply(w, grad, m, v []float64, lrT, eps float64) {
	for j := range w {
		g := 0.0
		if grad != nil {
			g = grad[j]
		}
		if a.Clip > 0 {
			g = nn.Clip(g, -a.Clip, a.Clip)
		}
		m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
		v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
		w[j] -= lrT * m[j] / (math.Sqrt(v[j]) + eps)
	}
}

// State exports the moments keyed by param name
func (a *Adam) State() *State {
	s := &State{
		Step: a.step,
		M:    make(map[string][]float64, len(a.m)),
		V:    make(map[string][]float64, len(a.v)),
	}
	for i, p := range a.params.Params {
		s.M[p.Name] = a.m[i]
		s.V[p.Name] = a.v[i]
	}
	return s
}

// Restore loads a previously exported state
func (a *Adam) Restore(s *State) error {
	for i, p := range a.params.Params {
		m, okM := s.M[p.Name]
		v, okV := s.V[p.Name]
		if !okM || !okV {
			return fmt.Errorf("optimizer state missing param %s", p.Name)
		}
		if len(m) != p.Size() || len(v) != p.Size() {
			return fmt.Errorf("optimizer state size mismatch for %s", p.Name)
		}
		copy(a.m[i], m)
		copy(a.v[i], v)
	}
	a.step = s.Step
	return nil
}

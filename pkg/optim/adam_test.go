package optim

import (
	"math"
	"testing"

	"github.com/cnclabs/dam/pkg/nn"
)

func newSingle(value float64) (*nn.ParamSet, *nn.Param) {
	ps := nn.NewParamSet()
	p := ps.Add(nn.NewParam("w", 1))
	p.Data[0] = value
	return ps, p
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	t.Parallel()
	ps, p := newSingle(1.0)
	adam := NewAdam(ps, 0.1)

	grads := nn.NewGradSet(ps)
	grads.Of(p).Dense[0] = 0.5
	adam.Update(grads)

	// the bias corrected first step is lr * sign(grad)
	if math.Abs(p.Data[0]-0.9) > 1e-6 {
		t.Errorf("param = %v, want 0.9", p.Data[0])
	}
	if adam.Step() != 1 {
		t.Errorf("step = %d, want 1", adam.Step())
	}
}

func TestAdamClipsGradients(t *testing.T) {
	t.Parallel()
	ps, p := newSingle(0)
	adam := NewAdam(ps, 0.1)
	adam.Clip = 1.0

	grads := nn.NewGradSet(ps)
	grads.Of(p).Dense[0] = 5
	adam.Update(grads)

	state := adam.State()
	if math.Abs(state.M["w"][0]-0.1) > 1e-12 {
		t.Errorf("first moment = %v, want 0.1 from a clipped gradient", state.M["w"][0])
	}
	if math.Abs(state.V["w"][0]-0.001) > 1e-12 {
		t.Errorf("second moment = %v, want 0.001", state.V["w"][0])
	}
}

func TestAdamStaircaseDecay(t *testing.T) {
	t.Parallel()
	ps, _ := newSingle(0)
	adam := NewAdam(ps, 1.0)
	adam.DecaySteps = 2
	adam.DecayRate = 0.5

	grads := nn.NewGradSet(ps)
	want := []float64{1, 1, 0.5, 0.5, 0.25}
	for step, lr := range want {
		if got := adam.CurrentLearningRate(); math.Abs(got-lr) > 1e-12 {
			t.Errorf("step %d: lr = %v, want %v", step, got, lr)
		}
		adam.Update(grads)
	}
}

func TestAdamSparseRows(t *testing.T) {
	t.Parallel()
	ps := nn.NewParamSet()
	emb := nn.NewParam("emb", 3, 2)
	emb.Sparse = true
	ps.Add(emb)
	emb.Constant(1)

	adam := NewAdam(ps, 0.1)
	grads := nn.NewGradSet(ps)
	copy(grads.Of(emb).Row(1), []float64{1, -1})
	adam.Update(grads)

	for _, r := range []int{0, 2} {
		for _, v := range emb.Row(r) {
			if v != 1 {
				t.Errorf("row %d changed to %v without a gradient", r, emb.Row(r))
			}
		}
	}
	row := emb.Row(1)
	if math.Abs(row[0]-0.9) > 1e-6 || math.Abs(row[1]-1.1) > 1e-6 {
		t.Errorf("row 1 = %v, want [0.9 1.1]", row)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	t.Parallel()
	ps, p := newSingle(1.0)
	adam := NewAdam(ps, 0.1)
	grads := nn.NewGradSet(ps)
	grads.Of(p).Dense[0] = 0.3
	adam.Update(grads)
	adam.Update(grads)

	ps2, p2 := newSingle(p.Data[0])
	resumed := NewAdam(ps2, 0.1)
	if err := resumed.Restore(adam.State()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if resumed.Step() != 2 {
		t.Errorf("step = %d, want 2", resumed.Step())
	}

	grads2 := nn.NewGradSet(ps2)
	grads2.Of(p2).Dense[0] = 0.3
	adam.Update(grads)
	resumed.Update(grads2)
	if math.Abs(p.Data[0]-p2.Data[0]) > 1e-12 {
		t.Errorf("resumed optimizer diverged: %v vs %v", p2.Data[0], p.Data[0])
	}

	if err := resumed.Restore(&State{M: map[string][]float64{}, V: map[string][]float64{}}); err == nil {
		t.Error("expected an error for a state without the param")
	}
}

package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"evotune/internal/model"
)

func nested() model.Params {
	return model.Params{
		{Name: "cell", Leaves: map[string]*mat.Dense{
			"w": mat.NewDense(2, 2, []float64{0.5, -0.25, 1.5, 2}),
			"b": mat.NewDense(1, 2, []float64{0.1, -0.1}),
		}},
		{Name: "head", Leaves: map[string]*mat.Dense{
			"w": mat.NewDense(2, 1, []float64{-1, 3}),
		}},
	}
}

// gradsFor returns a deterministic gradient that depends on the step, so
// trajectories exercise the moment bookkeeping.
func gradsFor(p model.Params, step int) model.Params {
	g := p.ZerosLike()
	k := 0
	for _, layer := range g {
		for _, name := range layer.LeafNames() {
			raw := layer.Leaves[name].RawMatrix().Data
			for i := range raw {
				k++
				raw[i] = math.Sin(float64(k*(step+1))) * float64(k)
			}
		}
	}
	return g
}

func TestAdamWSingleStepMatchesFormula(t *testing.T) {
	o := AdamW{StepSize: 0.1, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.5}
	params := model.Params{{Name: "x", Leaves: map[string]*mat.Dense{"p": mat.NewDense(1, 1, []float64{2})}}}
	grads := model.Params{{Name: "x", Leaves: map[string]*mat.Dense{"p": mat.NewDense(1, 1, []float64{4})}}}

	state, err := o.Update(o.Init(params), grads)
	require.NoError(t, err)

	m := 0.1 * 4.0
	v := 0.001 * 16.0
	mHat := m / (1 - 0.9)
	vHat := v / (1 - 0.999)
	want := 2*(1-0.1*0.5) - 0.1*mHat/(math.Sqrt(vHat)+1e-8)

	slot := state.Layers[0].Slots["p"]
	assert.Equal(t, 1, state.Step)
	assert.InDelta(t, want, slot.Value.At(0, 0), 1e-12)
	assert.InDelta(t, m, slot.M.At(0, 0), 1e-12)
	assert.InDelta(t, v, slot.V.At(0, 0), 1e-12)
}

func TestAdamWWithoutDecayMatchesAdam(t *testing.T) {
	params := nested()
	w := AdamW{StepSize: 0.01, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
	a := NewAdam(0.01)

	sw := w.Init(params)
	sa := a.Init(params)
	for step := 0; step < 25; step++ {
		var err error
		sw, err = w.Update(sw, gradsFor(params, step))
		require.NoError(t, err)
		sa, err = a.Update(sa, gradsFor(params, step))
		require.NoError(t, err)

		diff, err := sw.Params().MaxAbsDiff(sa.Params())
		require.NoError(t, err)
		require.LessOrEqual(t, diff, 1e-12, "trajectories diverged at step %d", step)
	}
	assert.Equal(t, 25, sw.Step)
	assert.Equal(t, sw.Step, sa.Step)
}

func TestWeightDecayShrinksParameters(t *testing.T) {
	params := nested()
	zero := params.ZerosLike()

	state, err := NewAdamW(0.1).Update(NewAdamW(0.1).Init(params), zero)
	require.NoError(t, err)
	got := state.Params()
	assert.InDelta(t, 0.5*(1-0.1*DefaultWeightDecay), got[0].Leaves["w"].At(0, 0), 1e-12)
	assert.InDelta(t, 3*(1-0.1*DefaultWeightDecay), got[1].Leaves["w"].At(1, 0), 1e-12)
}

func TestUpdateIsPure(t *testing.T) {
	params := nested()
	o := NewAdamW(0.05)
	start := o.Init(params)

	next, err := o.Update(start, gradsFor(params, 0))
	require.NoError(t, err)

	assert.Equal(t, 0, start.Step)
	diff, err := start.Params().MaxAbsDiff(params)
	require.NoError(t, err)
	assert.Zero(t, diff, "input state must not change")

	diff, err = next.Params().MaxAbsDiff(params)
	require.NoError(t, err)
	assert.Greater(t, diff, 0.0)

	params[0].Leaves["w"].Set(0, 0, 100)
	assert.Equal(t, 0.5, start.Layers[0].Slots["w"].Value.At(0, 0), "init must copy values")
}

func TestUpdateRejectsMismatchedGradients(t *testing.T) {
	o := NewAdamW(0.05)
	state := o.Init(nested())
	_, err := o.Update(state, nested()[:1])
	require.ErrorIs(t, err, model.ErrStructureMismatch)

	_, err = AdamW{StepSize: -1}.Update(state, nested())
	require.ErrorIs(t, err, ErrInvalidHyperparameter)
}

func TestNewSelectsOptimizer(t *testing.T) {
	o, err := New("adam", 0.1, 0.9, 0.999, 1e-8, 0.3)
	require.NoError(t, err)
	assert.Equal(t, "adam", o.Name())

	o, err = New("", 0.1, 0.9, 0.999, 1e-8, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0.3, o.(AdamW).WeightDecay)

	_, err = New("sgd", 0.1, 0.9, 0.999, 1e-8, 0)
	require.Error(t, err)
}

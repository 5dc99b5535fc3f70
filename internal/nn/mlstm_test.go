package nn

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"evotune/internal/batch"
	"evotune/internal/model"
)

func randomPair(t *testing.T, m *MLSTM, n, steps int, seed uint64) (*batch.Tensor3, *batch.Tensor3) {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed))
	x := batch.NewTensor3(n, steps, m.EmbedDim)
	y := batch.NewTensor3(n, steps, m.Vocab)
	for b := 0; b < n; b++ {
		for s := 0; s < steps; s++ {
			for w := 0; w < m.EmbedDim; w++ {
				x.Set(b, s, w, rng.NormFloat64())
			}
			y.Set(b, s, rng.IntN(m.Vocab), 1)
		}
	}
	return x, y
}

// perturbBiases gives the zero-initialized biases non-trivial values so the
// gradient check covers them away from the origin.
func perturbBiases(params model.Params, seed uint64) {
	rng := rand.New(rand.NewPCG(seed, 3))
	for _, layer := range params {
		raw := layer.Leaves["b"].RawMatrix().Data
		for i := range raw {
			raw[i] = 0.3 * rng.NormFloat64()
		}
	}
}

func TestLossAndGradMatchesFiniteDifferences(t *testing.T) {
	m, err := NewMLSTM(3, 4, 5)
	require.NoError(t, err)
	params := m.Init(11)
	perturbBiases(params, 11)
	x, y := randomPair(t, m, 2, 3, 5)

	_, grads, err := m.LossAndGrad(params, x, y)
	require.NoError(t, err)

	const h = 1e-6
	for li, layer := range params {
		for _, name := range layer.LeafNames() {
			leaf := layer.Leaves[name]
			r, c := leaf.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					orig := leaf.At(i, j)
					leaf.Set(i, j, orig+h)
					up, err := m.Loss(params, x, y)
					require.NoError(t, err)
					leaf.Set(i, j, orig-h)
					down, err := m.Loss(params, x, y)
					require.NoError(t, err)
					leaf.Set(i, j, orig)

					numeric := (up - down) / (2 * h)
					analytic := grads[li].Leaves[name].At(i, j)
					tol := 1e-6 + 1e-4*math.Abs(numeric)
					assert.InDelta(t, numeric, analytic, tol, "%s/%s[%d,%d]", layer.Name, name, i, j)
				}
			}
		}
	}
}

func TestLossAndGradReportsForwardLoss(t *testing.T) {
	m, err := NewMLSTM(3, 2, 4)
	require.NoError(t, err)
	params := m.Init(1)
	x, y := randomPair(t, m, 3, 4, 2)

	loss, _, err := m.LossAndGrad(params, x, y)
	require.NoError(t, err)
	direct, err := m.Loss(params, x, y)
	require.NoError(t, err)
	assert.InDelta(t, direct, loss, 1e-12)
	assert.Greater(t, loss, 0.0)
}

func TestPredictRowsAreDistributions(t *testing.T) {
	m, err := NewMLSTM(3, 4, 6)
	require.NoError(t, err)
	params := m.Init(2)
	x, _ := randomPair(t, m, 2, 5, 9)

	pred, err := m.Predict(params, x)
	require.NoError(t, err)
	n, steps, vocab := pred.Dims()
	require.Equal(t, [3]int{2, 5, 6}, [3]int{n, steps, vocab})
	for b := 0; b < n; b++ {
		for s := 0; s < steps; s++ {
			sum := 0.0
			for v := 0; v < vocab; v++ {
				require.GreaterOrEqual(t, pred.At(b, s, v), 0.0)
				sum += pred.At(b, s, v)
			}
			assert.InDelta(t, 1.0, sum, 1e-12)
		}
	}
}

func TestValidateRejectsWrongStructure(t *testing.T) {
	m, err := NewMLSTM(3, 4, 5)
	require.NoError(t, err)
	params := m.Init(1)

	require.NoError(t, m.Validate(params))
	require.ErrorIs(t, m.Validate(params[:1]), ErrLayerCount)

	bad := params.Clone()
	bad[0].Leaves["wmh"] = mat.NewDense(4, 3, nil)
	err = m.Validate(bad)
	require.ErrorIs(t, err, ErrShapeMismatch)
	var shapeErr *ShapeError
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, "wmh", shapeErr.Leaf)
	assert.Equal(t, [2]int{4, 4}, shapeErr.Want)

	missing := params.Clone()
	delete(missing[0].Leaves, "wx")
	require.ErrorIs(t, m.ValidateCell(missing[0]), ErrShapeMismatch)

	extra := params.Clone()
	extra[1].Leaves["gain"] = mat.NewDense(1, 5, nil)
	require.ErrorIs(t, m.Validate(extra), ErrShapeMismatch)
}

func TestInitIsDeterministic(t *testing.T) {
	m, err := NewMLSTM(3, 4, 5)
	require.NoError(t, err)
	diff, err := m.Init(4).MaxAbsDiff(m.Init(4))
	require.NoError(t, err)
	assert.Zero(t, diff)

	diff, err = m.Init(4).MaxAbsDiff(m.Init(5))
	require.NoError(t, err)
	assert.Greater(t, diff, 0.0)
}

func TestNegCrossEntropyKnownValue(t *testing.T) {
	y := batch.NewTensor3(1, 2, 2)
	p := batch.NewTensor3(1, 2, 2)
	y.Set(0, 0, 0, 1)
	y.Set(0, 1, 1, 1)
	p.Set(0, 0, 0, 0.5)
	p.Set(0, 0, 1, 0.5)
	p.Set(0, 1, 0, 0.75)
	p.Set(0, 1, 1, 0.25)

	got, err := NegCrossEntropy(y, p)
	require.NoError(t, err)
	want := -(math.Log(0.5+logFloor) + math.Log(0.25+logFloor)) / 2
	assert.InDelta(t, want, got, 1e-12)

	_, err = NegCrossEntropy(y, batch.NewTensor3(1, 3, 2))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

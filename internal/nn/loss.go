package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"evotune/internal/batch"
)

// logFloor keeps log(p) finite when the model assigns zero probability.
const logFloor = 1e-10

// NegCrossEntropy is the mean over sequences and positions of
// -sum_v y[v] * log(p[v]).
func NegCrossEntropy(targets, predictions *batch.Tensor3) (float64, error) {
	tb, ts, tw := targets.Dims()
	pb, ps, pw := predictions.Dims()
	if tb != pb || ts != ps || tw != pw {
		return 0, fmt.Errorf("%w: targets %dx%dx%d vs predictions %dx%dx%d", ErrShapeMismatch, tb, ts, tw, pb, ps, pw)
	}
	total := 0.0
	for s := 0; s < ts; s++ {
		total += stepCrossEntropy(targets.Step(s), predictions.Step(s))
	}
	return total / float64(tb*ts), nil
}

func stepCrossEntropy(y, p *mat.Dense) float64 {
	rows, _ := y.Dims()
	total := 0.0
	for r := 0; r < rows; r++ {
		pr := p.RawRowView(r)
		for v, yv := range y.RawRowView(r) {
			if yv != 0 {
				total -= yv * math.Log(pr[v]+logFloor)
			}
		}
	}
	return total
}

// crossEntropyLogitGrad returns dLoss/dlogits for one step given softmax
// outputs p, targets y and the normalizer n (batch * steps).
func crossEntropyLogitGrad(p, y *mat.Dense, n float64) *mat.Dense {
	rows, cols := p.Dims()
	out := mat.NewDense(rows, cols, nil)
	dp := make([]float64, cols)
	for r := 0; r < rows; r++ {
		pr := p.RawRowView(r)
		yr := y.RawRowView(r)
		dot := 0.0
		for v := range dp {
			dp[v] = -yr[v] / (pr[v] + logFloor) / n
			dot += pr[v] * dp[v]
		}
		or := out.RawRowView(r)
		for v := range or {
			or[v] = pr[v] * (dp[v] - dot)
		}
	}
	return out
}

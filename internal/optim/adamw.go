package optim

import (
	"errors"
	"fmt"
	"math"

	"evotune/internal/model"
)

const (
	DefaultBeta1       = 0.9
	DefaultBeta2       = 0.999
	DefaultEps         = 1e-8
	DefaultWeightDecay = 0.01
)

var ErrInvalidHyperparameter = errors.New("invalid optimizer hyperparameter")

// AdamW is Adam with decoupled weight decay: the decay shrinks the parameter
// directly instead of entering the moment estimates.
type AdamW struct {
	StepSize    float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

func NewAdamW(stepSize float64) AdamW {
	return AdamW{
		StepSize:    stepSize,
		Beta1:       DefaultBeta1,
		Beta2:       DefaultBeta2,
		Eps:         DefaultEps,
		WeightDecay: DefaultWeightDecay,
	}
}

func (o AdamW) Name() string { return "adamw" }

func (o AdamW) Validate() error {
	switch {
	case o.StepSize <= 0:
		return fmt.Errorf("%w: step size must be > 0", ErrInvalidHyperparameter)
	case o.Beta1 < 0 || o.Beta1 >= 1:
		return fmt.Errorf("%w: beta1 must be in [0, 1)", ErrInvalidHyperparameter)
	case o.Beta2 < 0 || o.Beta2 >= 1:
		return fmt.Errorf("%w: beta2 must be in [0, 1)", ErrInvalidHyperparameter)
	case o.Eps <= 0:
		return fmt.Errorf("%w: eps must be > 0", ErrInvalidHyperparameter)
	case o.WeightDecay < 0:
		return fmt.Errorf("%w: weight decay must be >= 0", ErrInvalidHyperparameter)
	}
	return nil
}

func (o AdamW) Init(params model.Params) State {
	return newState(params)
}

func (o AdamW) Update(state State, grads model.Params) (State, error) {
	if err := o.Validate(); err != nil {
		return State{}, err
	}
	lr, b1, b2, eps, wd := o.StepSize, o.Beta1, o.Beta2, o.Eps, o.WeightDecay
	return apply(state, grads, func(t int, p, m, v, g []float64) ([]float64, []float64, []float64) {
		c1 := 1 - math.Pow(b1, float64(t))
		c2 := 1 - math.Pow(b2, float64(t))
		np := make([]float64, len(p))
		nm := make([]float64, len(m))
		nv := make([]float64, len(v))
		for i := range p {
			nm[i] = b1*m[i] + (1-b1)*g[i]
			nv[i] = b2*v[i] + (1-b2)*g[i]*g[i]
			mHat := nm[i] / c1
			vHat := nv[i] / c2
			np[i] = p[i]*(1-lr*wd) - lr*mHat/(math.Sqrt(vHat)+eps)
		}
		return np, nm, nv
	})
}

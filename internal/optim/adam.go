package optim

import (
	"fmt"
	"math"

	"evotune/internal/model"
)

// Adam is the plain adaptive-moment optimizer without weight decay.
type Adam struct {
	StepSize float64
	Beta1    float64
	Beta2    float64
	Eps      float64
}

func NewAdam(stepSize float64) Adam {
	return Adam{StepSize: stepSize, Beta1: DefaultBeta1, Beta2: DefaultBeta2, Eps: DefaultEps}
}

func (o Adam) Name() string { return "adam" }

func (o Adam) Init(params model.Params) State {
	return newState(params)
}

func (o Adam) Update(state State, grads model.Params) (State, error) {
	if o.StepSize <= 0 {
		return State{}, fmt.Errorf("%w: step size must be > 0", ErrInvalidHyperparameter)
	}
	return apply(state, grads, func(t int, p, m, v, g []float64) ([]float64, []float64, []float64) {
		np := append([]float64(nil), p...)
		nm := append([]float64(nil), m...)
		nv := append([]float64(nil), v...)
		for i := range np {
			nm[i] = o.Beta1*nm[i] + (1-o.Beta1)*g[i]
			nv[i] = o.Beta2*nv[i] + (1-o.Beta2)*g[i]*g[i]
			mHat := nm[i] / (1 - math.Pow(o.Beta1, float64(t)))
			vHat := nv[i] / (1 - math.Pow(o.Beta2, float64(t)))
			np[i] -= o.StepSize * mHat / (math.Sqrt(vHat) + o.Eps)
		}
		return np, nm, nv
	})
}

// New builds the optimizer named by the configuration. Weight decay is only
// meaningful for adamw.
func New(name string, stepSize, beta1, beta2, eps, weightDecay float64) (Optimizer, error) {
	switch name {
	case "", "adamw":
		return AdamW{StepSize: stepSize, Beta1: beta1, Beta2: beta2, Eps: eps, WeightDecay: weightDecay}, nil
	case "adam":
		return Adam{StepSize: stepSize, Beta1: beta1, Beta2: beta2, Eps: eps}, nil
	default:
		return nil, fmt.Errorf("unsupported optimizer: %s", name)
	}
}

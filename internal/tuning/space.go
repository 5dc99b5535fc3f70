package tuning

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

const (
	ParamEpochs       = "n_epochs"
	ParamLearningRate = "learning_rate"

	DefaultLearningRateLow  = 1e-5
	DefaultLearningRateHigh = 1e-2
)

var ErrInvalidRange = errors.New("invalid search range")

// Distribution is a one-dimensional search range. ToUnit and FromUnit map the
// range onto [0, 1] so samplers can work in a shared coordinate system.
type Distribution interface {
	Kind() string
	Validate() error
	Contains(v float64) bool
	ToUnit(v float64) float64
	FromUnit(u float64) float64
}

// DiscreteUniform draws from {Low, Low+Q, ..., High}.
type DiscreteUniform struct {
	Low  float64
	High float64
	Q    float64
}

func (d DiscreteUniform) Kind() string { return "discrete_uniform" }

func (d DiscreteUniform) Validate() error {
	if d.Q <= 0 {
		return fmt.Errorf("%w: q must be > 0, got %v", ErrInvalidRange, d.Q)
	}
	if d.High < d.Low {
		return fmt.Errorf("%w: high %v < low %v", ErrInvalidRange, d.High, d.Low)
	}
	return nil
}

// top is the largest grid point not above High.
func (d DiscreteUniform) top() float64 {
	return d.Low + math.Floor((d.High-d.Low)/d.Q+1e-9)*d.Q
}

func (d DiscreteUniform) Contains(v float64) bool {
	if v < d.Low-1e-9 || v > d.top()+1e-9 {
		return false
	}
	k := (v - d.Low) / d.Q
	return math.Abs(k-math.Round(k)) < 1e-9
}

func (d DiscreteUniform) ToUnit(v float64) float64 {
	span := d.top() - d.Low
	if span <= 0 {
		return 0.5
	}
	return Clamp((v-d.Low)/span, 0, 1)
}

// FromUnit maps u onto the grid. Every grid point owns an equal share of
// [0, 1] so uniform u yields uniform grid points.
func (d DiscreteUniform) FromUnit(u float64) float64 {
	steps := math.Floor((d.High-d.Low)/d.Q + 1e-9)
	k := math.Floor(Clamp(u, 0, 1) * (steps + 1))
	k = Clamp(k, 0, steps)
	return d.Low + k*d.Q
}

// LogUniform draws from [Low, High] uniformly in log space.
type LogUniform struct {
	Low  float64
	High float64
}

func (d LogUniform) Kind() string { return "log_uniform" }

func (d LogUniform) Validate() error {
	if d.Low <= 0 {
		return fmt.Errorf("%w: low must be > 0, got %v", ErrInvalidRange, d.Low)
	}
	if d.High < d.Low {
		return fmt.Errorf("%w: high %v < low %v", ErrInvalidRange, d.High, d.Low)
	}
	return nil
}

func (d LogUniform) Contains(v float64) bool {
	return v >= d.Low && v <= d.High
}

func (d LogUniform) ToUnit(v float64) float64 {
	if d.High == d.Low {
		return 0.5
	}
	return Clamp((math.Log(v)-math.Log(d.Low))/(math.Log(d.High)-math.Log(d.Low)), 0, 1)
}

func (d LogUniform) FromUnit(u float64) float64 {
	lo, hi := math.Log(d.Low), math.Log(d.High)
	return Clamp(math.Exp(lo+Clamp(u, 0, 1)*(hi-lo)), d.Low, d.High)
}

// Range configures one suggestion. Zero fields keep the default.
type Range struct {
	Name string  `json:"name,omitempty" yaml:"name,omitempty"`
	Low  float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Q    float64 `json:"q,omitempty" yaml:"q,omitempty"`
}

// Merge overlays the non-zero fields of override onto r.
func (r Range) Merge(override *Range) Range {
	if override == nil {
		return r
	}
	out := r
	if override.Name != "" {
		out.Name = override.Name
	}
	if override.Low != 0 {
		out.Low = override.Low
	}
	if override.High != 0 {
		out.High = override.High
	}
	if override.Q != 0 {
		out.Q = override.Q
	}
	return out
}

// DefaultEpochRange searches 1..3*n epochs in unit steps.
func DefaultEpochRange(numSequences int) Range {
	return Range{Name: ParamEpochs, Low: 1, High: float64(3 * numSequences), Q: 1}
}

func DefaultLearningRateRange() Range {
	return Range{Name: ParamLearningRate, Low: DefaultLearningRateLow, High: DefaultLearningRateHigh}
}

func Clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

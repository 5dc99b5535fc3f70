package training

import (
	"errors"
	"fmt"
	"math"
)

// DivergencePolicy decides what Fit does when a bucket loss is not finite.
type DivergencePolicy string

const (
	// DivergenceIgnore keeps updating with whatever the gradient holds.
	DivergenceIgnore DivergencePolicy = "ignore"
	// DivergenceAbort stops Fit with a DivergenceError.
	DivergenceAbort DivergencePolicy = "abort"
	// DivergencePrune stops Fit like abort; the search layer records the
	// trial as pruned and moves on instead of failing the study.
	DivergencePrune DivergencePolicy = "prune"
)

var ErrDiverged = errors.New("training loss diverged")

func ParseDivergencePolicy(name string) (DivergencePolicy, error) {
	switch p := DivergencePolicy(name); p {
	case DivergenceIgnore, DivergenceAbort, DivergencePrune:
		return p, nil
	case "":
		return DivergenceAbort, nil
	default:
		return "", fmt.Errorf("unsupported divergence policy: %s", name)
	}
}

type DivergenceError struct {
	Epoch  int
	Step   int
	Bucket int
	Loss   float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: loss %v at epoch %d bucket %d (step %d)", ErrDiverged, e.Loss, e.Epoch, e.Bucket, e.Step)
}

func (e *DivergenceError) Unwrap() error { return ErrDiverged }

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

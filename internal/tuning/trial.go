package tuning

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

var ErrParamNotFixed = errors.New("parameter has no fixed value")

// Trial is one proposed hyperparameter assignment. Values are drawn lazily
// the first time a name is suggested; repeated suggestions return the same
// value.
type Trial struct {
	Number int

	study *Study
	fixed map[string]float64

	mu         sync.Mutex
	params     map[string]float64
	dists      map[string]Distribution
	foldLosses []float64
}

// NewFixedTrial returns a trial that answers every suggestion from params.
// It lets the objective be evaluated outside a study.
func NewFixedTrial(params map[string]float64) *Trial {
	return &Trial{
		fixed:  maps.Clone(params),
		params: make(map[string]float64),
		dists:  make(map[string]Distribution),
	}
}

func newTrial(study *Study, number int) *Trial {
	return &Trial{
		Number: number,
		study:  study,
		params: make(map[string]float64),
		dists:  make(map[string]Distribution),
	}
}

// SuggestDiscreteUniform draws from {low, low+q, ..., high}.
func (t *Trial) SuggestDiscreteUniform(name string, low, high, q float64) (float64, error) {
	return t.suggest(name, DiscreteUniform{Low: low, High: high, Q: q})
}

// SuggestLogUniform draws from [low, high] uniformly in log space.
func (t *Trial) SuggestLogUniform(name string, low, high float64) (float64, error) {
	return t.suggest(name, LogUniform{Low: low, High: high})
}

func (t *Trial) suggest(name string, dist Distribution) (float64, error) {
	if err := dist.Validate(); err != nil {
		return 0, fmt.Errorf("suggest %s: %w", name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.params[name]; ok {
		return v, nil
	}

	var v float64
	switch {
	case t.fixed != nil:
		fixed, ok := t.fixed[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrParamNotFixed, name)
		}
		v = fixed
	case t.study != nil:
		v = t.study.sample(t.Number, name, dist)
	default:
		return 0, fmt.Errorf("%w: %s", ErrParamNotFixed, name)
	}
	t.params[name] = v
	t.dists[name] = dist
	return v, nil
}

func (t *Trial) Params() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.params)
}

// SetFoldLosses records the per-fold held-out losses behind the trial value.
func (t *Trial) SetFoldLosses(losses []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.foldLosses = append([]float64(nil), losses...)
}

func (t *Trial) FoldLosses() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.foldLosses...)
}

package tuning

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"evotune/internal/model"
)

// Sampler proposes a value for one named parameter of a trial given the
// study history so far.
type Sampler interface {
	Name() string
	Sample(history []model.TrialRecord, trial int, name string, dist Distribution) float64
}

// RandomSampler draws every parameter independently and uniformly in unit
// space, which makes DiscreteUniform quantized-uniform and LogUniform
// log-uniform.
type RandomSampler struct {
	mu   sync.Mutex
	unit distuv.Uniform
}

func NewRandomSampler(seed uint64) *RandomSampler {
	return &RandomSampler{unit: distuv.Uniform{Min: 0, Max: 1, Src: rand.NewPCG(seed, seed^0x5851f42d4c957f2d)}}
}

func (s *RandomSampler) Name() string { return "random" }

func (s *RandomSampler) Sample(_ []model.TrialRecord, _ int, _ string, dist Distribution) float64 {
	s.mu.Lock()
	u := s.unit.Rand()
	s.mu.Unlock()
	return dist.FromUnit(u)
}

// NewSampler builds a sampler by name. candidate picks the exoself base
// trial and is ignored by the random sampler.
func NewSampler(name string, seed uint64, startupTrials int, candidate string) (Sampler, error) {
	switch name {
	case "", "random":
		return NewRandomSampler(seed), nil
	case "exoself", "exoself_hillclimb":
		e := NewExoself(seed)
		if startupTrials > 0 {
			e.StartupTrials = startupTrials
		}
		selection := NormalizeCandidateSelectionName(candidate)
		if !validCandidateSelection(selection) {
			return nil, fmt.Errorf("unsupported candidate selection: %s", candidate)
		}
		e.CandidateSelection = selection
		return e, nil
	default:
		return nil, fmt.Errorf("unsupported sampler: %s", name)
	}
}

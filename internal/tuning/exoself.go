package tuning

import (
	"math"
	"math/rand/v2"
	"sync"

	"evotune/internal/model"
)

// Exoself is a hill-climbing sampler. After StartupTrials random trials it
// perturbs the parameters of a chosen base trial in unit space, shrinking
// the spread by AnnealingFactor for every completed trial past startup.
type Exoself struct {
	Rand               *rand.Rand
	StepSize           float64
	PerturbationRange  float64
	AnnealingFactor    float64
	StartupTrials      int
	CandidateSelection string

	mu    sync.Mutex
	bases map[int]model.TrialRecord
}

const (
	CandidateSelectBestSoFar = "best_so_far"
	CandidateSelectOriginal  = "original"
	CandidateSelectDynamic   = "dynamic_random"
	CandidateSelectRecent    = "recent"
	CandidateSelectAllRandom = "all_random"
)

func NewExoself(seed uint64) *Exoself {
	return &Exoself{
		Rand:              rand.New(rand.NewPCG(seed, seed^0x2545f4914f6cdd1d)),
		StepSize:          0.25,
		PerturbationRange: 1.0,
		AnnealingFactor:   0.9,
		StartupTrials:     5,
	}
}

func (e *Exoself) Name() string {
	return "exoself_hillclimb"
}

func NormalizeCandidateSelectionName(name string) string {
	switch name {
	case "", CandidateSelectBestSoFar:
		return CandidateSelectBestSoFar
	case "dynamic":
		return CandidateSelectDynamic
	case "all":
		return CandidateSelectAllRandom
	default:
		return name
	}
}

func validCandidateSelection(name string) bool {
	switch name {
	case CandidateSelectBestSoFar, CandidateSelectOriginal, CandidateSelectDynamic,
		CandidateSelectRecent, CandidateSelectAllRandom:
		return true
	}
	return false
}

func (e *Exoself) Sample(history []model.TrialRecord, trial int, name string, dist Distribution) float64 {
	completed := completedTrials(history)
	startup := e.StartupTrials
	if startup < 1 {
		startup = 1
	}
	if len(completed) < startup {
		return dist.FromUnit(e.randFloat64())
	}

	base := e.baseFor(trial, completed)
	current, ok := base.Params[name]
	if !ok {
		return dist.FromUnit(e.randFloat64())
	}

	perturbationRange := e.PerturbationRange
	if perturbationRange == 0 {
		perturbationRange = 1.0
	}
	annealingFactor := e.AnnealingFactor
	if annealingFactor == 0 {
		annealingFactor = 1.0
	}
	spread := e.StepSize * perturbationRange * math.Pow(annealingFactor, float64(len(completed)-startup))
	delta := (e.randFloat64()*2 - 1) * spread
	return dist.FromUnit(Clamp(dist.ToUnit(current)+delta, 0, 1))
}

// baseFor pins one base trial per trial number so every parameter of a trial
// is perturbed from the same point.
func (e *Exoself) baseFor(trial int, completed []model.TrialRecord) model.TrialRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bases == nil {
		e.bases = make(map[int]model.TrialRecord)
	}
	if base, ok := e.bases[trial]; ok {
		return base
	}
	var base model.TrialRecord
	switch NormalizeCandidateSelectionName(e.CandidateSelection) {
	case CandidateSelectOriginal:
		base = completed[0]
	case CandidateSelectRecent:
		base = completed[len(completed)-1]
	case CandidateSelectDynamic:
		if e.Rand.Float64() < 0.5 {
			base = bestOf(completed)
		} else {
			base = completed[0]
		}
	case CandidateSelectAllRandom:
		base = completed[e.Rand.IntN(len(completed))]
	default:
		base = bestOf(completed)
	}
	e.bases[trial] = base
	return base
}

func (e *Exoself) randFloat64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Rand.Float64()
}

func completedTrials(history []model.TrialRecord) []model.TrialRecord {
	out := make([]model.TrialRecord, 0, len(history))
	for _, trial := range history {
		if trial.State == model.TrialComplete && trial.Value != nil {
			out = append(out, trial)
		}
	}
	return out
}

// bestOf returns the lowest-valued trial; ties go to the earliest.
func bestOf(trials []model.TrialRecord) model.TrialRecord {
	best := trials[0]
	for _, trial := range trials[1:] {
		if *trial.Value < *best.Value {
			best = trial
		}
	}
	return best
}

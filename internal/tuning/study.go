package tuning

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"evotune/internal/model"
)

const DirectionMinimize = "minimize"

var (
	ErrTrialPruned       = errors.New("trial pruned")
	ErrNoCompletedTrials = errors.New("no completed trials")
	ErrUnknownTrial      = errors.New("unknown trial")
)

// ObjectiveFunc scores one trial. Returning an error wrapping ErrTrialPruned
// records the trial as pruned and lets the study continue.
type ObjectiveFunc func(ctx context.Context, trial *Trial) (float64, error)

// TrialCallback runs after every finished trial.
type TrialCallback func(ctx context.Context, study *Study, trial model.TrialRecord) error

// Study owns the trial history of one search and selects the best
// (minimum-valued) completed trial.
type Study struct {
	ID        string
	Name      string
	Sampler   Sampler
	CreatedAt time.Time

	mu     sync.Mutex
	trials []model.TrialRecord
}

func NewStudy(name string, sampler Sampler) *Study {
	if sampler == nil {
		sampler = NewRandomSampler(0)
	}
	id := uuid.NewString()
	if name == "" {
		name = "study-" + id[:8]
	}
	return &Study{ID: id, Name: name, Sampler: sampler, CreatedAt: time.Now().UTC()}
}

// StudyFromRecord resumes a persisted study. Trials left running by an
// interrupted process are marked failed.
func StudyFromRecord(rec model.StudyRecord, sampler Sampler) *Study {
	s := NewStudy(rec.Name, sampler)
	s.ID = rec.ID
	s.CreatedAt = rec.CreatedAt
	s.trials = make([]model.TrialRecord, len(rec.Trials))
	for i, trial := range rec.Trials {
		trial.Params = maps.Clone(trial.Params)
		if trial.State == model.TrialRunning {
			trial.State = model.TrialFailed
		}
		s.trials[i] = trial
	}
	return s
}

// Ask starts a new trial.
func (s *Study) Ask() *Trial {
	s.mu.Lock()
	defer s.mu.Unlock()
	number := len(s.trials)
	s.trials = append(s.trials, model.TrialRecord{
		Number:    number,
		State:     model.TrialRunning,
		StartedAt: time.Now().UTC(),
	})
	return newTrial(s, number)
}

// Tell finishes a trial. A nil error with a finite value completes it, an
// ErrTrialPruned error prunes it, anything else fails it.
func (s *Study) Tell(trial *Trial, value float64, err error) (model.TrialRecord, error) {
	if trial == nil || trial.study != s {
		return model.TrialRecord{}, ErrUnknownTrial
	}
	params, foldLosses := trial.Params(), trial.FoldLosses()

	s.mu.Lock()
	defer s.mu.Unlock()
	if trial.Number < 0 || trial.Number >= len(s.trials) {
		return model.TrialRecord{}, ErrUnknownTrial
	}
	rec := &s.trials[trial.Number]
	rec.Params = params
	rec.FoldLosses = foldLosses
	rec.FinishedAt = time.Now().UTC()
	switch {
	case err == nil && !math.IsNaN(value) && !math.IsInf(value, 0):
		v := value
		rec.Value = &v
		rec.State = model.TrialComplete
	case errors.Is(err, ErrTrialPruned):
		rec.State = model.TrialPruned
	default:
		rec.State = model.TrialFailed
	}
	return *rec, nil
}

// Optimize runs n sequential trials. A trial failing with anything other
// than ErrTrialPruned stops the search and returns its error.
func (s *Study) Optimize(ctx context.Context, n int, objective ObjectiveFunc, callbacks ...TrialCallback) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		trial := s.Ask()
		value, err := objective(ctx, trial)
		rec, tellErr := s.Tell(trial, value, err)
		if tellErr != nil {
			return tellErr
		}
		for _, cb := range callbacks {
			if cbErr := cb(ctx, s, rec); cbErr != nil {
				return cbErr
			}
		}
		if err != nil && rec.State == model.TrialFailed {
			return fmt.Errorf("trial %d: %w", trial.Number, err)
		}
	}
	return nil
}

func (s *Study) Trials() []model.TrialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TrialRecord, len(s.trials))
	copy(out, s.trials)
	return out
}

// Best returns the completed trial with the lowest value.
func (s *Study) Best() (model.TrialRecord, error) {
	completed := completedTrials(s.Trials())
	if len(completed) == 0 {
		return model.TrialRecord{}, ErrNoCompletedTrials
	}
	return bestOf(completed), nil
}

func (s *Study) BestParams() (map[string]float64, error) {
	best, err := s.Best()
	if err != nil {
		return nil, err
	}
	return maps.Clone(best.Params), nil
}

func (s *Study) BestValue() (float64, error) {
	best, err := s.Best()
	if err != nil {
		return 0, err
	}
	return *best.Value, nil
}

func (s *Study) Record() model.StudyRecord {
	rec := model.StudyRecord{
		ID:         s.ID,
		Name:       s.Name,
		Direction:  DirectionMinimize,
		Sampler:    s.Sampler.Name(),
		CreatedAt:  s.CreatedAt,
		Trials:     s.Trials(),
		BestNumber: -1,
	}
	if best, err := s.Best(); err == nil {
		rec.BestNumber = best.Number
	}
	return rec
}

func (s *Study) sample(trial int, name string, dist Distribution) float64 {
	return s.Sampler.Sample(s.Trials(), trial, name, dist)
}

package stats

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/stat"

	"evotune/internal/model"
	"evotune/internal/training"
)

// Summary condenses a run: trial outcomes for searches and the last
// evaluated losses for fits.
type Summary struct {
	Trials           int      `json:"trials"`
	Completed        int      `json:"completed"`
	Pruned           int      `json:"pruned"`
	Failed           int      `json:"failed"`
	BestTrial        *int     `json:"best_trial,omitempty"`
	BestValue        *float64 `json:"best_value,omitempty"`
	MeanValue        float64  `json:"mean_value"`
	StdValue         float64  `json:"std_value"`
	FinalTrainLoss   *float64 `json:"final_train_loss,omitempty"`
	FinalHoldoutLoss *float64 `json:"final_holdout_loss,omitempty"`
}

func Summarize(trials []model.TrialRecord, history []LossPoint) Summary {
	s := Summary{Trials: len(trials)}
	values := make([]float64, 0, len(trials))
	for _, trial := range trials {
		switch trial.State {
		case model.TrialComplete:
			s.Completed++
		case model.TrialPruned:
			s.Pruned++
		case model.TrialFailed:
			s.Failed++
		}
		if trial.State != model.TrialComplete || trial.Value == nil {
			continue
		}
		values = append(values, *trial.Value)
		if s.BestValue == nil || *trial.Value < *s.BestValue {
			number, value := trial.Number, *trial.Value
			s.BestTrial, s.BestValue = &number, &value
		}
	}
	switch len(values) {
	case 0:
	case 1:
		s.MeanValue = values[0]
	default:
		s.MeanValue, s.StdValue = stat.MeanStdDev(values, nil)
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		train := last.TrainLoss
		s.FinalTrainLoss = &train
		if last.HoldoutLoss != nil {
			holdout := *last.HoldoutLoss
			s.FinalHoldoutLoss = &holdout
		}
	}
	return s
}

// Recorder collects the periodic losses reported while fitting. An empty
// Project records every fit.
type Recorder struct {
	Project string

	mu      sync.Mutex
	history []LossPoint
}

func (r *Recorder) OnEvent(_ context.Context, ev training.Event) {
	if ev.Kind != training.EventLossReported {
		return
	}
	if r.Project != "" && ev.Project != r.Project {
		return
	}
	point := LossPoint{Epoch: ev.Epoch, TrainLoss: ev.TrainLoss}
	if ev.HasHoldout {
		holdout := ev.HoldoutLoss
		point.HoldoutLoss = &holdout
	}
	r.mu.Lock()
	r.history = append(r.history, point)
	r.mu.Unlock()
}

func (r *Recorder) History() []LossPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LossPoint(nil), r.history...)
}

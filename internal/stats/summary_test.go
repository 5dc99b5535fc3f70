package stats

import (
	"context"
	"math"
	"testing"

	"evotune/internal/model"
	"evotune/internal/training"
)

func TestSummarizeTrials(t *testing.T) {
	s := sampleArtifacts("x").Summary
	if s.Trials != 3 || s.Completed != 2 || s.Pruned != 1 || s.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.BestTrial == nil || *s.BestTrial != 2 || *s.BestValue != 1.5 {
		t.Fatalf("unexpected best: %+v", s)
	}
	if s.MeanValue != 2.0 {
		t.Fatalf("expected mean 2.0, got %f", s.MeanValue)
	}
	if math.Abs(s.StdValue-math.Sqrt(0.5)) > 1e-12 {
		t.Fatalf("expected sample std sqrt(0.5), got %f", s.StdValue)
	}
	if s.FinalTrainLoss == nil || *s.FinalTrainLoss != 2.9 || *s.FinalHoldoutLoss != 3.0 {
		t.Fatalf("unexpected final losses: %+v", s)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil, nil)
	if s.BestValue != nil || s.FinalTrainLoss != nil || s.MeanValue != 0 {
		t.Fatalf("unexpected empty summary: %+v", s)
	}
	one := Summarize([]model.TrialRecord{{State: model.TrialComplete, Value: floatPtr(4)}}, nil)
	if one.MeanValue != 4 || one.StdValue != 0 {
		t.Fatalf("unexpected single-trial summary: %+v", one)
	}
}

func TestRecorderKeepsProjectLosses(t *testing.T) {
	r := &Recorder{Project: "demo"}
	ctx := context.Background()
	r.OnEvent(ctx, training.Event{Kind: training.EventEpochStarted, Project: "demo", Epoch: 0})
	r.OnEvent(ctx, training.Event{Kind: training.EventLossReported, Project: "demo", Epoch: 2, TrainLoss: 3})
	r.OnEvent(ctx, training.Event{Kind: training.EventLossReported, Project: "other", Epoch: 2, TrainLoss: 9})
	r.OnEvent(ctx, training.Event{Kind: training.EventLossReported, Project: "demo", Epoch: 4, TrainLoss: 2, HoldoutLoss: 2.5, HasHoldout: true})

	history := r.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 points, got %+v", history)
	}
	if history[0].HoldoutLoss != nil || history[1].HoldoutLoss == nil || *history[1].HoldoutLoss != 2.5 {
		t.Fatalf("unexpected holdout losses: %+v", history)
	}
}

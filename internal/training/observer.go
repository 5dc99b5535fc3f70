package training

import (
	"context"
	"log/slog"
	"time"
)

type EventKind string

const (
	EventFitStarted        EventKind = "fit_started"
	EventEpochStarted      EventKind = "epoch_started"
	EventStepCompleted     EventKind = "step_completed"
	EventLossReported      EventKind = "loss_reported"
	EventCheckpointWritten EventKind = "checkpoint_written"
	EventDiverged          EventKind = "diverged"
	EventFitCompleted      EventKind = "fit_completed"
	EventTrialStarted      EventKind = "trial_started"
	EventTrialCompleted    EventKind = "trial_completed"
	EventTrialPruned       EventKind = "trial_pruned"
	EventTrialFailed       EventKind = "trial_failed"
	EventFoldCompleted     EventKind = "fold_completed"
	EventSearchCompleted   EventKind = "search_completed"
)

// Event is a single observability record. Fields irrelevant to a kind are
// left zero.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Project string

	Epoch int
	Step  int
	Loss  float64

	// Fit summary.
	Batches        int
	AvgBatchLength float64
	BatchLengths   []int

	// Periodic evaluation.
	TrainLoss   float64
	HoldoutLoss float64
	HasHoldout  bool

	// Search.
	Study  string
	Trial  int
	Fold   int
	Value  float64
	Params map[string]float64

	Duration time.Duration
	Err      error
}

// Observer receives training and search events. Implementations must not
// block for long; they run on the training goroutine.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }

type nopObserver struct{}

func (nopObserver) OnEvent(context.Context, Event) {}

// Nop discards every event.
func Nop() Observer { return nopObserver{} }

type multiObserver []Observer

func (m multiObserver) OnEvent(ctx context.Context, ev Event) {
	for _, o := range m {
		o.OnEvent(ctx, ev)
	}
}

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return Nop()
	case 1:
		return out[0]
	}
	return out
}

// LogObserver renders events as structured log records. Per-step events are
// logged at debug level.
type LogObserver struct {
	Logger *slog.Logger
}

func NewLogObserver(logger *slog.Logger) *LogObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogObserver{Logger: logger}
}

func (o *LogObserver) OnEvent(ctx context.Context, ev Event) {
	l := o.Logger
	switch ev.Kind {
	case EventFitStarted:
		l.InfoContext(ctx, "fit started",
			"project", ev.Project,
			"batches", ev.Batches,
			"avg_batch_length", ev.AvgBatchLength,
			"batch_lengths", ev.BatchLengths,
		)
	case EventEpochStarted:
		l.InfoContext(ctx, "starting epoch", "epoch", ev.Epoch)
	case EventStepCompleted:
		l.DebugContext(ctx, "step", "epoch", ev.Epoch, "step", ev.Step, "loss", ev.Loss)
	case EventLossReported:
		attrs := []any{"epoch", ev.Epoch, "train_loss", ev.TrainLoss}
		if ev.HasHoldout {
			attrs = append(attrs, "holdout_loss", ev.HoldoutLoss)
		}
		l.InfoContext(ctx, "loss", attrs...)
	case EventCheckpointWritten:
		l.InfoContext(ctx, "checkpoint written", "project", ev.Project, "epoch", ev.Epoch)
	case EventDiverged:
		l.WarnContext(ctx, "non-finite loss", "epoch", ev.Epoch, "step", ev.Step, "loss", ev.Loss)
	case EventFitCompleted:
		l.InfoContext(ctx, "fit completed", "project", ev.Project, "steps", ev.Step, "duration", ev.Duration)
	case EventTrialStarted:
		l.InfoContext(ctx, "trial started", "study", ev.Study, "trial", ev.Trial, "params", ev.Params)
	case EventFoldCompleted:
		l.InfoContext(ctx, "fold completed", "trial", ev.Trial, "fold", ev.Fold, "loss", ev.Value)
	case EventTrialCompleted:
		l.InfoContext(ctx, "trial completed", "study", ev.Study, "trial", ev.Trial, "value", ev.Value, "duration", ev.Duration)
	case EventTrialPruned:
		l.WarnContext(ctx, "trial pruned", "study", ev.Study, "trial", ev.Trial, "error", ev.Err)
	case EventTrialFailed:
		l.ErrorContext(ctx, "trial failed", "study", ev.Study, "trial", ev.Trial, "error", ev.Err)
	case EventSearchCompleted:
		l.InfoContext(ctx, "search completed", "study", ev.Study, "best_trial", ev.Trial, "best_value", ev.Value, "params", ev.Params)
	default:
		l.DebugContext(ctx, string(ev.Kind))
	}
}

// Package metrics exports training and search events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evotune/internal/training"
)

const namespace = "evotune"

// Observer updates Prometheus collectors from training events.
type Observer struct {
	steps       prometheus.Counter
	stepLoss    prometheus.Gauge
	trainLoss   *prometheus.GaugeVec
	holdoutLoss *prometheus.GaugeVec
	checkpoints *prometheus.CounterVec
	divergences prometheus.Counter
	epochs      prometheus.Counter
	fits        prometheus.Histogram
	trials      *prometheus.CounterVec
	trialTime   prometheus.Histogram
	foldLoss    prometheus.Histogram
	bestValue   *prometheus.GaugeVec

	mu   sync.Mutex
	best map[string]float64
}

// NewObserver registers the evotune collectors with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	f := promauto.With(reg)
	return &Observer{
		steps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_steps_total",
			Help:      "Optimizer updates applied across all fits.",
		}),
		stepLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_loss",
			Help:      "Loss of the most recent length bucket.",
		}),
		trainLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Most recent periodic training loss.",
		}, []string{"project"}),
		holdoutLoss: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "holdout_loss",
			Help:      "Most recent periodic holdout loss.",
		}, []string{"project"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints written.",
		}, []string{"project"}),
		divergences: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "divergences_total",
			Help:      "Non-finite losses detected during training.",
		}),
		epochs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_total",
			Help:      "Epochs started across all fits.",
		}),
		fits: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fit_duration_seconds",
			Help:      "Wall time of completed fits.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		trials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trials_total",
			Help:      "Finished search trials by outcome.",
		}, []string{"study", "state"}),
		trialTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trial_duration_seconds",
			Help:      "Wall time of finished trials.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		foldLoss: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fold_loss",
			Help:      "Held-out loss of each cross-validation fold.",
			Buckets:   prometheus.LinearBuckets(0, 0.5, 12),
		}),
		bestValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Best completed trial value per study.",
		}, []string{"study"}),
		best: make(map[string]float64),
	}
}

func (o *Observer) OnEvent(_ context.Context, ev training.Event) {
	switch ev.Kind {
	case training.EventEpochStarted:
		o.epochs.Inc()
	case training.EventStepCompleted:
		o.steps.Inc()
		o.stepLoss.Set(ev.Loss)
	case training.EventLossReported:
		o.trainLoss.WithLabelValues(ev.Project).Set(ev.TrainLoss)
		if ev.HasHoldout {
			o.holdoutLoss.WithLabelValues(ev.Project).Set(ev.HoldoutLoss)
		}
	case training.EventCheckpointWritten:
		o.checkpoints.WithLabelValues(ev.Project).Inc()
	case training.EventDiverged:
		o.divergences.Inc()
	case training.EventFitCompleted:
		o.fits.Observe(ev.Duration.Seconds())
	case training.EventFoldCompleted:
		o.foldLoss.Observe(ev.Value)
	case training.EventTrialCompleted:
		o.trials.WithLabelValues(ev.Study, "complete").Inc()
		o.trialTime.Observe(ev.Duration.Seconds())
		o.observeBest(ev.Study, ev.Value)
	case training.EventTrialPruned:
		o.trials.WithLabelValues(ev.Study, "pruned").Inc()
		o.trialTime.Observe(ev.Duration.Seconds())
	case training.EventTrialFailed:
		o.trials.WithLabelValues(ev.Study, "failed").Inc()
		o.trialTime.Observe(ev.Duration.Seconds())
	}
}

func (o *Observer) observeBest(study string, value float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if best, ok := o.best[study]; ok && best <= value {
		return
	}
	o.best[study] = value
	o.bestValue.WithLabelValues(study).Set(value)
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

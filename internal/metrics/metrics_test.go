package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evotune/internal/training"
)

func TestObserverCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)
	ctx := context.Background()

	o.OnEvent(ctx, training.Event{Kind: training.EventEpochStarted})
	o.OnEvent(ctx, training.Event{Kind: training.EventStepCompleted, Loss: 2.5})
	o.OnEvent(ctx, training.Event{Kind: training.EventStepCompleted, Loss: 2.0})
	o.OnEvent(ctx, training.Event{Kind: training.EventLossReported, Project: "demo", TrainLoss: 1.8, HoldoutLoss: 2.2, HasHoldout: true})
	o.OnEvent(ctx, training.Event{Kind: training.EventCheckpointWritten, Project: "demo"})
	o.OnEvent(ctx, training.Event{Kind: training.EventDiverged})
	o.OnEvent(ctx, training.Event{Kind: training.EventTrialCompleted, Study: "s", Value: 3, Duration: time.Second})
	o.OnEvent(ctx, training.Event{Kind: training.EventTrialCompleted, Study: "s", Value: 1.5, Duration: time.Second})
	o.OnEvent(ctx, training.Event{Kind: training.EventTrialCompleted, Study: "s", Value: 4, Duration: time.Second})
	o.OnEvent(ctx, training.Event{Kind: training.EventTrialPruned, Study: "s"})
	o.OnEvent(ctx, training.Event{Kind: training.EventTrialFailed, Study: "s"})

	assert.Equal(t, 2.0, testutil.ToFloat64(o.steps))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.stepLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.epochs))
	assert.Equal(t, 2.2, testutil.ToFloat64(o.holdoutLoss.WithLabelValues("demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.checkpoints.WithLabelValues("demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.divergences))
	assert.Equal(t, 3.0, testutil.ToFloat64(o.trials.WithLabelValues("s", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.trials.WithLabelValues("s", "pruned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.trials.WithLabelValues("s", "failed")))
	assert.Equal(t, 1.5, testutil.ToFloat64(o.bestValue.WithLabelValues("s")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := NewObserver(reg)
	o.OnEvent(context.Background(), training.Event{Kind: training.EventStepCompleted, Loss: 1})

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "evotune_optimizer_steps_total 1")
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", prometheus.NewRegistry()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

package evotune

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evotune/internal/config"
	"evotune/internal/model"
	"evotune/internal/storage"
	"evotune/internal/tuning"
	"evotune/internal/weights"
)

var corpus = []string{"MKTAYIAK", "MKV", "ACDE", "MKTAY", "GGHLV", "ACD"}

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Model.EmbedDim = 4
	cfg.Model.HiddenSize = 6
	cfg.Model.Seed = 7
	cfg.Search.Seed = 11
	cfg.Search.Folds = 2
	cfg.Search.Trials = 2
	cfg.Search.Epochs = config.EpochRange{Low: 1, High: 2, Q: 1}
	cfg.Checkpoints = config.CheckpointConfig{Kind: "dir", Dir: filepath.Join(base, "weights")}
	cfg.Artifacts.Dir = filepath.Join(base, "runs")
	return &cfg
}

func newTestClient(t *testing.T, cfg *config.Config, opts Options) *Client {
	t.Helper()
	opts.Config = cfg
	client, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestFitWritesCheckpointsAndArtifacts(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(t)
	exports := filepath.Join(t.TempDir(), "exports")
	reg := prometheus.NewRegistry()
	client := newTestClient(t, cfg, Options{Registerer: reg, ExportsDir: exports})

	res, err := client.Fit(ctx, FitRequest{
		Sequences:     corpus,
		Holdout:       []string{"MKT"},
		Epochs:        2,
		StepsPerPrint: 1,
		Project:       "demo",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.LossHistory, 2)
	for _, point := range res.LossHistory {
		assert.False(t, math.IsNaN(point.TrainLoss))
		require.NotNil(t, point.HoldoutLoss)
	}
	require.NoError(t, client.Model().Validate(res.Params))

	epochs, err := client.Checkpoints(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs)

	latest, err := client.LoadCheckpoint(ctx, "demo", 0)
	require.NoError(t, err)
	diff, err := latest.MaxAbsDiff(res.Params)
	require.NoError(t, err)
	assert.Zero(t, diff)

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "fit", runs[0].Command)
	assert.Equal(t, "demo", runs[0].Project)
	require.NotNil(t, runs[0].FinalLoss)

	detail, err := client.Run(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Config.Epochs)
	assert.Len(t, detail.LossHistory, 2)

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	require.NoError(t, err)
	assert.Equal(t, res.RunID, exported.RunID)
	_, err = os.Stat(filepath.Join(exported.Directory, "summary.json"))
	require.NoError(t, err)

	assert.Equal(t, 2.0, counterTotal(t, reg, "evotune_checkpoints_total"))
}

func counterTotal(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestFitDefaultsProjectAndRejectsUnknownSymbols(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t, smallConfig(t), Options{})

	_, err := client.Fit(ctx, FitRequest{Sequences: []string{"MK1"}, Epochs: 1})
	require.Error(t, err)

	res, err := client.Fit(ctx, FitRequest{Sequences: corpus, Epochs: 1, StepsPerPrint: 1})
	require.NoError(t, err)
	require.Len(t, res.LossHistory, 1)
	epochs, err := client.Checkpoints(ctx, defaultProject)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, epochs)
}

func TestFitRequiresConfiguredPretrainedWeights(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(t)
	cfg.Model.WeightsDir = filepath.Join(t.TempDir(), "missing")
	cfg.Model.WeightsProject = "pretrained"
	client := newTestClient(t, cfg, Options{})

	_, err := client.Fit(ctx, FitRequest{Sequences: corpus, Epochs: 1})
	require.ErrorIs(t, err, weights.ErrNotFound)

	cfg = smallConfig(t)
	cfg.Model.WeightsDir = filepath.Join(t.TempDir(), "missing")
	cfg.Model.WeightsFallback = true
	client = newTestClient(t, cfg, Options{})
	_, err = client.Fit(ctx, FitRequest{Sequences: corpus, Epochs: 1})
	require.NoError(t, err)
}

func TestFitLoadsPretrainedWeights(t *testing.T) {
	ctx := context.Background()
	cfg := smallConfig(t)
	client := newTestClient(t, cfg, Options{})
	first, err := client.Fit(ctx, FitRequest{Sequences: corpus, Epochs: 1, StepsPerPrint: 1, Project: "base"})
	require.NoError(t, err)

	tuned := smallConfig(t)
	tuned.Model.WeightsDir = cfg.Checkpoints.Dir
	tuned.Model.WeightsProject = "base"
	client = newTestClient(t, tuned, Options{})
	loaded, err := client.loader.LoadParams(ctx)
	require.NoError(t, err)
	diff, err := loaded.MaxAbsDiff(first.Params)
	require.NoError(t, err)
	assert.Zero(t, diff)
}

func TestCheckpointsMirrorToStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := smallConfig(t)
	cfg.Checkpoints.MirrorToStore = true
	client := newTestClient(t, cfg, Options{Store: store})

	_, err := client.Fit(ctx, FitRequest{Sequences: corpus, Epochs: 2, StepsPerPrint: 1, Project: "demo"})
	require.NoError(t, err)

	fromDir, err := client.Checkpoints(ctx, "demo")
	require.NoError(t, err)
	fromStore, err := store.ListCheckpoints(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, fromDir)
	assert.Equal(t, fromDir, fromStore)
}

func TestFitRejectsUnknownDivergencePolicy(t *testing.T) {
	client := newTestClient(t, smallConfig(t), Options{})
	_, err := client.Fit(context.Background(), FitRequest{Sequences: corpus, Epochs: 1, Divergence: "retry"})
	require.Error(t, err)
}

func TestObjectiveReturnsMeanFoldLoss(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Search.Workers = 2
	client := newTestClient(t, cfg, Options{})

	res, err := client.Objective(context.Background(), ObjectiveRequest{
		Sequences:    corpus,
		Epochs:       1,
		LearningRate: 1e-3,
	})
	require.NoError(t, err)
	require.Len(t, res.FoldLosses, 2)
	assert.InDelta(t, (res.FoldLosses[0]+res.FoldLosses[1])/2, res.Value, 1e-12)

	_, err = client.Objective(context.Background(), ObjectiveRequest{
		Sequences:    corpus[:1],
		Epochs:       1,
		LearningRate: 1e-3,
	})
	require.ErrorIs(t, err, tuning.ErrTooFewSequences)
}

func TestEvotunePersistsAndResumesStudy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := smallConfig(t)
	client := newTestClient(t, cfg, Options{Store: store})

	res, err := client.Evotune(ctx, EvotuneRequest{
		Sequences: corpus,
		OutDomain: []string{"MKTAY"},
		Project:   "tuned",
		Study:     "s1",
		Trials:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", res.Study.Name)
	require.Len(t, res.Study.Trials, 2)
	assert.GreaterOrEqual(t, res.Epochs, 1)
	assert.LessOrEqual(t, res.Epochs, 2)
	assert.GreaterOrEqual(t, res.LearningRate, tuning.DefaultLearningRateLow)
	assert.LessOrEqual(t, res.LearningRate, tuning.DefaultLearningRateHigh)
	require.NoError(t, client.Model().Validate(res.Params))

	studies, err := client.Studies(ctx)
	require.NoError(t, err)
	require.Len(t, studies, 1)
	assert.Equal(t, 2, studies[0].Trials)
	require.NotNil(t, studies[0].BestValue)

	res, err = client.Evotune(ctx, EvotuneRequest{Sequences: corpus, Project: "tuned", Study: "s1", Trials: 3})
	require.NoError(t, err)
	assert.Len(t, res.Study.Trials, 3)

	stored, err := client.Study(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored.Trials, 3)
	best, ok := stored.Best()
	require.True(t, ok)
	assert.Equal(t, model.TrialComplete, best.State)

	_, err = client.Study(ctx, "missing")
	require.ErrorIs(t, err, ErrStudyNotFound)

	runs, err := client.Runs(ctx, RunsRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "evotune", runs[0].Command)
	assert.Equal(t, 3, runs[0].Trials)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Search.Folds = 1
	_, err := New(context.Background(), Options{Config: &cfg})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestExportArguments(t *testing.T) {
	client := newTestClient(t, smallConfig(t), Options{})
	_, err := client.Export(context.Background(), ExportRequest{RunID: "x", Latest: true})
	require.Error(t, err)
	_, err = client.Export(context.Background(), ExportRequest{})
	require.Error(t, err)
	_, err = client.Export(context.Background(), ExportRequest{Latest: true})
	require.ErrorIs(t, err, ErrNoRuns)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, "best_so_far", Default().Search.ExoselfCandidate)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "evotune.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
model:
  hidden_size: 32
training:
  step_size: 0.0005
  divergence: prune
search:
  n_trials: 7
  sampler: exoself
  exoself_candidate: recent
  epochs:
    high: 40
    q: 5
storage:
  kind: sqlite
  path: studies.db
checkpoints:
  kind: dir
  dir: ckpt
metrics:
  addr: ":9090"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Model.HiddenSize)
	assert.Equal(t, 10, cfg.Model.EmbedDim, "unset keys keep their defaults")
	assert.Equal(t, 0.0005, cfg.Training.StepSize)
	assert.Equal(t, "prune", cfg.Training.Divergence)
	assert.Equal(t, 7, cfg.Search.Trials)
	assert.Equal(t, 5, cfg.Search.Folds)
	assert.Equal(t, "recent", cfg.Search.ExoselfCandidate)
	assert.Equal(t, "sqlite", cfg.Storage.Kind)

	r := cfg.Search.EpochOverride()
	assert.Equal(t, 1.0, r.Low)
	assert.Equal(t, 40.0, r.High)
	assert.Equal(t, 5.0, r.Q)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown storage":   "storage:\n  kind: postgres\n",
		"sqlite needs path": "storage:\n  kind: sqlite\n",
		"one fold":          "search:\n  n_folds: 1\n",
		"inverted rate":     "search:\n  learning_rate:\n    low: 0.1\n    high: 0.01\n",
		"bad divergence":    "training:\n  divergence: explode\n",
		"gcs needs bucket":  "checkpoints:\n  kind: gcs\n",
		"negative decay":    "training:\n  weight_decay: -1\n",
		"unknown candidate": "search:\n  exoself_candidate: worst\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err := Load(writeConfig(t, "model: [unclosed"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EVOTUNE_STORAGE_KIND": "badger",
		"EVOTUNE_TRIALS":       "3",
		"EVOTUNE_LOG_FORMAT":   "json",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, "badger", cfg.Storage.Kind)
	assert.Equal(t, 3, cfg.Search.Trials)
	assert.Equal(t, "json", cfg.Logging.Format)

	env["EVOTUNE_FOLDS"] = "many"
	require.ErrorIs(t, applyEnv(&cfg, lookup), ErrInvalid)
}

func TestLoadWithoutFileUsesEnv(t *testing.T) {
	t.Setenv("EVOTUNE_WORKERS", "4")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Search.Workers)
}

// Package config loads evotune settings from YAML, applies EVOTUNE_*
// environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"evotune/internal/optim"
	"evotune/internal/tuning"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Model       ModelConfig      `yaml:"model"`
	Training    TrainingConfig   `yaml:"training"`
	Search      SearchConfig     `yaml:"search"`
	Storage     StorageConfig    `yaml:"storage"`
	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Logging     LoggingConfig    `yaml:"logging"`
	Metrics     MetricsConfig    `yaml:"metrics"`
	Tracing     TracingConfig    `yaml:"tracing"`
	Artifacts   ArtifactsConfig  `yaml:"artifacts"`
}

type ModelConfig struct {
	EmbedDim   int    `yaml:"embed_dim" validate:"gt=0"`
	HiddenSize int    `yaml:"hidden_size" validate:"gt=0"`
	Seed       uint64 `yaml:"seed"`

	// WeightsDir holds pretrained checkpoints laid out like checkpoint
	// buckets; WeightsProject and WeightsEpoch select one (epoch 0 = latest).
	// WeightsFallback allows a seeded init when no checkpoint is found.
	WeightsDir      string `yaml:"weights_dir"`
	WeightsProject  string `yaml:"weights_project"`
	WeightsEpoch    int    `yaml:"weights_epoch" validate:"gte=0"`
	WeightsFallback bool   `yaml:"weights_fallback"`
	EmbeddingsPath  string `yaml:"embeddings_path"`
}

type TrainingConfig struct {
	Optimizer     string  `yaml:"optimizer" validate:"oneof=adamw adam"`
	StepSize      float64 `yaml:"step_size" validate:"gt=0"`
	WeightDecay   float64 `yaml:"weight_decay" validate:"gte=0"`
	Beta1         float64 `yaml:"beta1" validate:"gte=0,lt=1"`
	Beta2         float64 `yaml:"beta2" validate:"gte=0,lt=1"`
	Eps           float64 `yaml:"eps" validate:"gt=0"`
	StepsPerPrint int     `yaml:"steps_per_print" validate:"gte=0"`

	// Divergence defaults to abort for fit and prune for evotune when empty.
	Divergence string `yaml:"divergence" validate:"omitempty,oneof=ignore abort prune"`
}

type EpochRange struct {
	Low  float64 `yaml:"low" validate:"gte=1"`
	High float64 `yaml:"high" validate:"omitempty,gtefield=Low"`
	Q    float64 `yaml:"q" validate:"gt=0"`
}

type RateRange struct {
	Low  float64 `yaml:"low" validate:"gt=0"`
	High float64 `yaml:"high" validate:"gtfield=Low"`
}

type SearchConfig struct {
	Trials        int        `yaml:"n_trials" validate:"gt=0"`
	Folds         int        `yaml:"n_folds" validate:"gte=2"`
	Shuffle       bool       `yaml:"shuffle"`
	Workers       int        `yaml:"workers" validate:"gte=1"`
	Seed          uint64     `yaml:"seed"`
	Sampler       string     `yaml:"sampler" validate:"oneof=random exoself"`
	StartupTrials int        `yaml:"startup_trials" validate:"gte=0"`
	Epochs        EpochRange `yaml:"epochs"`
	LearningRate  RateRange  `yaml:"learning_rate"`

	// ExoselfCandidate picks the trial the exoself sampler perturbs.
	ExoselfCandidate string `yaml:"exoself_candidate" validate:"oneof=best_so_far original dynamic_random recent all_random"`
}

type StorageConfig struct {
	Kind string `yaml:"kind" validate:"oneof=memory sqlite badger"`
	Path string `yaml:"path" validate:"required_if=Kind sqlite"`
}

type CheckpointConfig struct {
	Kind   string `yaml:"kind" validate:"oneof=none dir store gcs"`
	Dir    string `yaml:"dir" validate:"required_if=Kind dir"`
	Bucket string `yaml:"bucket" validate:"required_if=Kind gcs"`
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key for gcs; empty uses
	// application default credentials.
	CredentialsFile string `yaml:"credentials_file"`

	// MirrorToStore also writes dir and gcs checkpoints to the store.
	MirrorToStore bool `yaml:"mirror_to_store"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type TracingConfig struct {
	Exporter string `yaml:"exporter" validate:"oneof=none stdout"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

func Default() Config {
	return Config{
		Model: ModelConfig{
			EmbedDim:   10,
			HiddenSize: 64,
		},
		Training: TrainingConfig{
			Optimizer:     "adamw",
			StepSize:      1e-3,
			WeightDecay:   optim.DefaultWeightDecay,
			Beta1:         optim.DefaultBeta1,
			Beta2:         optim.DefaultBeta2,
			Eps:           optim.DefaultEps,
			StepsPerPrint: tuning.DefaultStepsPerPrint,
		},
		Search: SearchConfig{
			Trials:           tuning.DefaultTrials,
			Folds:            tuning.DefaultFolds,
			Shuffle:          true,
			Workers:          1,
			Sampler:          "random",
			StartupTrials:    5,
			ExoselfCandidate: "best_so_far",
			Epochs:           EpochRange{Low: 1, Q: 1},
			LearningRate:     RateRange{Low: tuning.DefaultLearningRateLow, High: tuning.DefaultLearningRateHigh},
		},
		Storage:     StorageConfig{Kind: "memory"},
		Checkpoints: CheckpointConfig{Kind: "none"},
		Logging:     LoggingConfig{Level: "info", Format: "auto"},
		Tracing:     TracingConfig{Exporter: "none"},
		Artifacts:   ArtifactsConfig{Dir: "runs"},
	}
}

// Load reads path over Default(), applies environment overrides and
// validates. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// EpochOverride returns the search override for the epoch count. A zero High
// keeps the corpus-size default.
func (c SearchConfig) EpochOverride() *tuning.Range {
	return &tuning.Range{Low: c.Epochs.Low, High: c.Epochs.High, Q: c.Epochs.Q}
}

func (c SearchConfig) LearningRateOverride() *tuning.Range {
	return &tuning.Range{Low: c.LearningRate.Low, High: c.LearningRate.High}
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"EVOTUNE_STORAGE_KIND":     &cfg.Storage.Kind,
		"EVOTUNE_STORAGE_PATH":     &cfg.Storage.Path,
		"EVOTUNE_CHECKPOINT_KIND":  &cfg.Checkpoints.Kind,
		"EVOTUNE_CHECKPOINT_DIR":   &cfg.Checkpoints.Dir,
		"EVOTUNE_GCS_BUCKET":       &cfg.Checkpoints.Bucket,
		"EVOTUNE_GCS_CREDENTIALS":  &cfg.Checkpoints.CredentialsFile,
		"EVOTUNE_LOG_LEVEL":        &cfg.Logging.Level,
		"EVOTUNE_LOG_FORMAT":       &cfg.Logging.Format,
		"EVOTUNE_METRICS_ADDR":     &cfg.Metrics.Addr,
		"EVOTUNE_TRACING_EXPORTER": &cfg.Tracing.Exporter,
		"EVOTUNE_WEIGHTS_DIR":      &cfg.Model.WeightsDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"EVOTUNE_TRIALS":  &cfg.Search.Trials,
		"EVOTUNE_FOLDS":   &cfg.Search.Folds,
		"EVOTUNE_WORKERS": &cfg.Search.Workers,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
		}
		*dst = n
	}
	return nil
}

// Package evotune is the public API for evolutionary tuning of a protein
// sequence model: plain fits, cross-validated scoring of fixed
// hyperparameters, and the full hyperparameter search.
package evotune

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"evotune/internal/batch"
	"evotune/internal/config"
	"evotune/internal/logging"
	"evotune/internal/metrics"
	"evotune/internal/model"
	"evotune/internal/nn"
	"evotune/internal/optim"
	"evotune/internal/stats"
	"evotune/internal/storage"
	"evotune/internal/training"
	"evotune/internal/vocab"
	"evotune/internal/weights"
)

const (
	defaultExportsDir = "exports"
	defaultProject    = "temp"
)

var (
	ErrStudyNotFound = errors.New("study not found")
	ErrNoRuns        = errors.New("no runs recorded")
)

type Options struct {
	// Config defaults to config.Default() when left zero.
	Config *config.Config
	Logger *slog.Logger
	// Registerer enables the Prometheus observer.
	Registerer prometheus.Registerer
	// Observer receives every training and search event in addition to the
	// logger.
	Observer training.Observer
	// Store and Bucket replace the backends named in Config.
	Store  storage.Store
	Bucket weights.Bucket

	ExportsDir string
}

type Client struct {
	cfg      config.Config
	logger   *slog.Logger
	vocab    *vocab.Vocabulary
	model    *nn.MLSTM
	encoder  *batch.Encoder
	store    storage.Store
	bucket   weights.Bucket
	writer   training.CheckpointWriter
	loader   training.ParamsLoader
	observer training.Observer

	artifactsDir string
	exportsDir   string
	closers      []func() error
}

func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		vocab:        vocab.Default(),
		artifactsDir: cfg.Artifacts.Dir,
		exportsDir:   opts.ExportsDir,
	}
	if c.exportsDir == "" {
		c.exportsDir = defaultExportsDir
	}

	emb, err := c.embedding()
	if err != nil {
		return nil, err
	}
	c.model, err = nn.NewMLSTM(emb.Width(), cfg.Model.HiddenSize, c.vocab.Size())
	if err != nil {
		return nil, err
	}
	c.encoder = &batch.Encoder{Vocab: c.vocab, Embedding: emb}

	c.store = opts.Store
	if c.store == nil {
		if c.store, err = storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() error { return storage.CloseIfSupported(c.store) })
	}
	if err := c.store.Init(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("init %s store: %w", cfg.Storage.Kind, err)
	}

	if err := c.openCheckpoints(ctx, opts.Bucket); err != nil {
		_ = c.Close()
		return nil, err
	}
	c.loader = c.paramsLoader()

	observers := []training.Observer{training.NewLogObserver(logger), opts.Observer}
	if opts.Registerer != nil {
		observers = append(observers, metrics.NewObserver(opts.Registerer))
	}
	c.observer = training.Multi(observers...)
	return c, nil
}

func (c *Client) embedding() (*vocab.Embedding, error) {
	if path := c.cfg.Model.EmbeddingsPath; path != "" {
		return vocab.LoadEmbedding(path, c.vocab.Size())
	}
	return vocab.NewSeededEmbedding(c.vocab.Size(), c.cfg.Model.EmbedDim, c.cfg.Model.Seed), nil
}

func (c *Client) openCheckpoints(ctx context.Context, bucket weights.Bucket) error {
	cp := c.cfg.Checkpoints
	switch {
	case bucket != nil:
		c.bucket = bucket
	case cp.Kind == "dir":
		c.bucket = weights.NewDirBucket(cp.Dir)
	case cp.Kind == "gcs":
		gcs, err := weights.NewGCSBucket(ctx, cp.Bucket, cp.CredentialsFile)
		if err != nil {
			return err
		}
		c.bucket = gcs
		c.closers = append(c.closers, gcs.Close)
	case cp.Kind == "store":
		c.writer = weights.StoreWriter{Store: c.store}
		return nil
	default:
		return nil
	}
	c.writer = weights.BucketWriter{Bucket: c.bucket, Prefix: cp.Prefix}
	if cp.MirrorToStore {
		c.writer = weights.MultiWriter(c.writer, weights.StoreWriter{Store: c.store})
	}
	return nil
}

// paramsLoader reads pretrained weights when a weights dir is configured and
// a seeded init otherwise. A missing pretrained checkpoint is an error unless
// WeightsFallback is set.
func (c *Client) paramsLoader() training.ParamsLoader {
	init := weights.InitLoader{Model: c.model, Seed: c.cfg.Model.Seed}
	if c.cfg.Model.WeightsDir == "" {
		return init
	}
	pretrained := weights.BucketLoader{
		Bucket:  weights.NewDirBucket(c.cfg.Model.WeightsDir),
		Project: c.cfg.Model.WeightsProject,
		Epoch:   c.cfg.Model.WeightsEpoch,
		Model:   c.model,
	}
	if !c.cfg.Model.WeightsFallback {
		return pretrained
	}
	return weights.Chain(pretrained, init)
}

func (c *Client) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Client) Config() config.Config {
	return c.cfg
}

// Model exposes the network the client trains.
func (c *Client) Model() nn.Model {
	return c.model
}

func (c *Client) trainer(policy string, defaultPolicy training.DivergencePolicy, observers ...training.Observer) (*training.Trainer, error) {
	divergence := defaultPolicy
	if policy != "" {
		var err error
		if divergence, err = training.ParseDivergencePolicy(policy); err != nil {
			return nil, err
		}
	}
	t := c.cfg.Training
	return &training.Trainer{
		Model:    c.model,
		Encoder:  c.encoder,
		Loader:   c.loader,
		Writer:   c.writer,
		Observer: training.Multi(append([]training.Observer{c.observer}, observers...)...),
		NewOptimizer: func(stepSize float64) (optim.Optimizer, error) {
			return optim.New(t.Optimizer, stepSize, t.Beta1, t.Beta2, t.Eps, t.WeightDecay)
		},
		Divergence: divergence,
		InitSeed:   c.cfg.Model.Seed,
	}, nil
}

func (c *Client) validate(seqs ...[]string) error {
	for _, set := range seqs {
		if err := c.vocab.Validate(set); err != nil {
			return err
		}
	}
	return nil
}

func newRunID() string {
	return uuid.NewString()
}

func (c *Client) recordRun(cfg stats.RunConfig, history []stats.LossPoint, trials []model.TrialRecord) (string, error) {
	if c.artifactsDir == "" {
		return "", nil
	}
	if cfg.CreatedAtUTC == "" {
		cfg.CreatedAtUTC = time.Now().UTC().Format(time.RFC3339)
	}
	cfg.EmbedDim = c.model.EmbedDim
	cfg.HiddenSize = c.model.Hidden
	cfg.Optimizer = c.cfg.Training.Optimizer
	cfg.WeightDecay = c.cfg.Training.WeightDecay
	artifacts := stats.RunArtifacts{
		Config:      cfg,
		LossHistory: history,
		Trials:      trials,
		Summary:     stats.Summarize(trials, history),
	}
	dir, err := stats.WriteRunArtifacts(c.artifactsDir, artifacts)
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}
	if err := stats.AppendRunIndex(c.artifactsDir, artifacts.IndexEntry()); err != nil {
		return "", fmt.Errorf("update run index: %w", err)
	}
	return filepath.Clean(dir), nil
}

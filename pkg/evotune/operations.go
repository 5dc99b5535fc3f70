package evotune

import (
	"context"
	"fmt"

	"evotune/internal/model"
	"evotune/internal/stats"
	"evotune/internal/training"
	"evotune/internal/tuning"
)

type FitRequest struct {
	Sequences []string
	// Params starts the fit; nil loads pretrained weights or draws fresh ones.
	Params   model.Params
	Epochs   int
	StepSize float64
	Holdout  []string
	// Project names checkpoints and defaults to "temp".
	Project string
	// StepsPerPrint zero uses the configured interval; negative disables
	// periodic evaluation.
	StepsPerPrint int
	// Divergence defaults to abort.
	Divergence    string
	SequencesPath string
}

type FitResult struct {
	RunID        string
	ArtifactsDir string
	Params       model.Params
	LossHistory  []stats.LossPoint
}

func (c *Client) Fit(ctx context.Context, req FitRequest) (FitResult, error) {
	if err := c.validate(req.Sequences, req.Holdout); err != nil {
		return FitResult{}, err
	}
	if req.Project == "" {
		req.Project = defaultProject
	}
	recorder := &stats.Recorder{Project: req.Project}
	trainer, err := c.trainer(req.Divergence, training.DivergenceAbort, recorder)
	if err != nil {
		return FitResult{}, err
	}
	stepSize := req.StepSize
	if stepSize == 0 {
		stepSize = c.cfg.Training.StepSize
	}
	stepsPerPrint := c.stepsPerPrint(req.StepsPerPrint)

	params, err := trainer.Fit(ctx, req.Params, req.Sequences, training.FitOptions{
		Epochs:        req.Epochs,
		StepSize:      stepSize,
		Holdout:       req.Holdout,
		Project:       req.Project,
		StepsPerPrint: stepsPerPrint,
	})
	if err != nil {
		return FitResult{}, err
	}

	runID := newRunID()
	history := recorder.History()
	dir, err := c.recordRun(stats.RunConfig{
		RunID:         runID,
		Command:       "fit",
		Project:       req.Project,
		SequencesPath: req.SequencesPath,
		Sequences:     len(req.Sequences),
		OutDomain:     len(req.Holdout),
		Epochs:        req.Epochs,
		LearningRate:  stepSize,
		Divergence:    string(trainer.Divergence),
		StepsPerPrint: stepsPerPrint,
		Seed:          c.cfg.Model.Seed,
	}, history, nil)
	if err != nil {
		return FitResult{}, err
	}
	c.logger.Info("fit finished", "run_id", runID, "epochs", req.Epochs, "sequences", len(req.Sequences))
	return FitResult{RunID: runID, ArtifactsDir: dir, Params: params, LossHistory: history}, nil
}

func (c *Client) stepsPerPrint(requested int) int {
	switch {
	case requested > 0:
		return requested
	case requested < 0:
		return 0
	}
	return c.cfg.Training.StepsPerPrint
}

type ObjectiveRequest struct {
	Sequences    []string
	Params       model.Params
	Epochs       int
	LearningRate float64
	// Folds zero uses the configured fold count.
	Folds      int
	Divergence string
}

type ObjectiveResult struct {
	Value      float64
	FoldLosses []float64
}

// Objective scores fixed hyperparameters by k-fold cross-validation.
func (c *Client) Objective(ctx context.Context, req ObjectiveRequest) (ObjectiveResult, error) {
	if err := c.validate(req.Sequences); err != nil {
		return ObjectiveResult{}, err
	}
	trainer, err := c.trainer(req.Divergence, training.DivergenceAbort)
	if err != nil {
		return ObjectiveResult{}, err
	}
	folds := req.Folds
	if folds == 0 {
		folds = c.cfg.Search.Folds
	}
	params, err := c.startParams(ctx, trainer, req.Params)
	if err != nil {
		return ObjectiveResult{}, err
	}
	objective := &tuning.Objective{
		Fitter:       trainer,
		Folds:        folds,
		Shuffle:      c.cfg.Search.Shuffle,
		Seed:         c.cfg.Search.Seed,
		Workers:      c.cfg.Search.Workers,
		Epochs:       c.cfg.Search.EpochOverride(),
		LearningRate: c.cfg.Search.LearningRateOverride(),
		Divergence:   trainer.Divergence,
		Observer:     c.observer,
	}
	trial := tuning.NewFixedTrial(map[string]float64{
		tuning.ParamEpochs:       float64(req.Epochs),
		tuning.ParamLearningRate: req.LearningRate,
	})
	value, err := objective.Evaluate(ctx, trial, req.Sequences, params)
	if err != nil {
		return ObjectiveResult{}, err
	}
	return ObjectiveResult{Value: value, FoldLosses: trial.FoldLosses()}, nil
}

// startParams resolves the shared starting point once so every fold and
// trial trains from the same parameters.
func (c *Client) startParams(ctx context.Context, trainer *training.Trainer, params model.Params) (model.Params, error) {
	if params != nil {
		return params, nil
	}
	loaded, err := trainer.Loader.LoadParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("load starting params: %w", err)
	}
	return loaded, nil
}

type EvotuneRequest struct {
	Sequences []string
	OutDomain []string
	Params    model.Params
	Project   string
	// Study names a stored study to create or resume.
	Study string
	// Trials and Folds zero use the configured values.
	Trials        int
	Folds         int
	Epochs        *tuning.Range
	LearningRate  *tuning.Range
	StepsPerPrint int
	// Divergence defaults to prune.
	Divergence    string
	SequencesPath string
}

type EvotuneResult struct {
	RunID        string
	ArtifactsDir string
	Study        model.StudyRecord
	Params       model.Params
	Epochs       int
	LearningRate float64
	LossHistory  []stats.LossPoint
}

// Evotune searches epoch count and learning rate, then fits the whole corpus
// with the best trial's values.
func (c *Client) Evotune(ctx context.Context, req EvotuneRequest) (EvotuneResult, error) {
	if err := c.validate(req.Sequences, req.OutDomain); err != nil {
		return EvotuneResult{}, err
	}
	if req.Project == "" {
		req.Project = defaultProject
	}
	recorder := &stats.Recorder{Project: req.Project}
	trainer, err := c.trainer(req.Divergence, training.DivergencePrune, recorder)
	if err != nil {
		return EvotuneResult{}, err
	}
	search := c.cfg.Search
	sampler, err := tuning.NewSampler(search.Sampler, search.Seed, search.StartupTrials, search.ExoselfCandidate)
	if err != nil {
		return EvotuneResult{}, err
	}
	params, err := c.startParams(ctx, trainer, req.Params)
	if err != nil {
		return EvotuneResult{}, err
	}

	trials := req.Trials
	if trials == 0 {
		trials = search.Trials
	}
	folds := req.Folds
	if folds == 0 {
		folds = search.Folds
	}
	epochs := req.Epochs
	if epochs == nil {
		epochs = search.EpochOverride()
	}
	rates := req.LearningRate
	if rates == nil {
		rates = search.LearningRateOverride()
	}
	stepsPerPrint := c.stepsPerPrint(req.StepsPerPrint)
	if stepsPerPrint == 0 {
		stepsPerPrint = -1
	}

	tuner := &tuning.Evotuner{
		Fitter:     trainer,
		Sampler:    sampler,
		Store:      c.store,
		Observer:   c.observer,
		Folds:      folds,
		Shuffle:    search.Shuffle,
		Workers:    search.Workers,
		Seed:       search.Seed,
		Divergence: trainer.Divergence,
	}
	res, err := tuner.Run(ctx, tuning.EvotuneRequest{
		Sequences:     req.Sequences,
		Params:        params,
		Project:       req.Project,
		OutDomain:     req.OutDomain,
		Trials:        trials,
		Epochs:        epochs,
		LearningRate:  rates,
		Folds:         folds,
		StepsPerPrint: stepsPerPrint,
		StudyName:     req.Study,
	})
	if err != nil {
		return EvotuneResult{}, err
	}

	record := res.Study.Record()
	runID := newRunID()
	history := recorder.History()
	runCfg := stats.RunConfig{
		RunID:         runID,
		Command:       "evotune",
		Project:       req.Project,
		Study:         record.Name,
		SequencesPath: req.SequencesPath,
		Sequences:     len(req.Sequences),
		OutDomain:     len(req.OutDomain),
		Trials:        trials,
		Folds:         folds,
		Epochs:        res.Epochs,
		LearningRate:  res.LearningRate,
		Sampler:       sampler.Name(),
		Divergence:    string(trainer.Divergence),
		StepsPerPrint: max(stepsPerPrint, 0),
		Seed:          search.Seed,
		Workers:       search.Workers,
		Shuffle:       search.Shuffle,
	}
	epochRange := tuning.DefaultEpochRange(len(req.Sequences)).Merge(epochs)
	runCfg.EpochRange = &[3]int{int(epochRange.Low), int(epochRange.High), int(epochRange.Q)}
	rateRange := tuning.DefaultLearningRateRange().Merge(rates)
	runCfg.RateRange = &[2]float64{rateRange.Low, rateRange.High}

	dir, err := c.recordRun(runCfg, history, record.Trials)
	if err != nil {
		return EvotuneResult{}, err
	}
	c.logger.Info("evotune finished",
		"run_id", runID,
		"study", record.Name,
		"n_epochs", res.Epochs,
		"learning_rate", res.LearningRate,
	)
	return EvotuneResult{
		RunID:        runID,
		ArtifactsDir: dir,
		Study:        record,
		Params:       res.Params,
		Epochs:       res.Epochs,
		LearningRate: res.LearningRate,
		LossHistory:  history,
	}, nil
}

package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evotune/internal/model"
	"evotune/internal/training"
)

const (
	DefaultTrials        = 20
	DefaultStepsPerPrint = 200
)

// StudyStore persists studies between runs so a named study can resume.
type StudyStore interface {
	SaveStudy(ctx context.Context, study model.StudyRecord) error
	GetStudy(ctx context.Context, name string) (model.StudyRecord, bool, error)
}

type Evotuner struct {
	Fitter   Fitter
	Sampler  Sampler
	Store    StudyStore
	Observer training.Observer

	Folds      int
	Shuffle    bool
	Workers    int
	Seed       uint64
	Divergence training.DivergencePolicy
}

type EvotuneRequest struct {
	Sequences []string
	Params    model.Params
	Project   string
	// OutDomain is evaluated as the holdout of the final fit only.
	OutDomain    []string
	Trials       int
	Epochs       *Range
	LearningRate *Range
	Folds        int
	// StepsPerPrint applies to the final fit. Zero means the default and a
	// negative value disables periodic evaluation.
	StepsPerPrint int
	// StudyName resumes a stored study of that name; Trials then counts the
	// total including earlier ones.
	StudyName string
}

type EvotuneResult struct {
	Study        *Study
	Params       model.Params
	Epochs       int
	LearningRate float64
}

// Run searches epoch count and learning rate by cross-validation, then fits
// the whole corpus once with the best trial's values.
func (e *Evotuner) Run(ctx context.Context, req EvotuneRequest) (EvotuneResult, error) {
	ctx, span := tracer.Start(ctx, "tuning.Evotune", trace.WithAttributes(
		attribute.Int("sequences", len(req.Sequences)),
		attribute.Int("trials", req.Trials),
		attribute.String("project", req.Project),
	))
	defer span.End()

	res, err := e.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Evotuner) run(ctx context.Context, req EvotuneRequest) (EvotuneResult, error) {
	if e.Fitter == nil {
		return EvotuneResult{}, errors.New("evotuner requires a fitter")
	}
	trials := req.Trials
	if trials == 0 {
		trials = DefaultTrials
	}
	folds := req.Folds
	if folds == 0 {
		folds = e.Folds
	}
	if folds == 0 {
		folds = DefaultFolds
	}
	if len(req.Sequences) < folds {
		return EvotuneResult{}, fmt.Errorf("%w: %d sequences for %d folds", ErrTooFewSequences, len(req.Sequences), folds)
	}

	study, err := e.openStudy(ctx, req.StudyName)
	if err != nil {
		return EvotuneResult{}, err
	}
	objective := &Objective{
		Fitter:       e.Fitter,
		Folds:        folds,
		Shuffle:      e.Shuffle,
		Seed:         e.Seed,
		Workers:      e.Workers,
		Epochs:       req.Epochs,
		LearningRate: req.LearningRate,
		Divergence:   e.Divergence,
		Observer:     e.Observer,
	}

	remaining := trials - len(study.Trials())
	if remaining > 0 {
		err := study.Optimize(ctx, remaining, func(ctx context.Context, trial *Trial) (float64, error) {
			started := time.Now()
			epochs, lr, err := objective.Suggest(trial, len(req.Sequences))
			if err != nil {
				return 0, err
			}
			e.observer().OnEvent(ctx, training.Event{
				Kind:   training.EventTrialStarted,
				Time:   started,
				Study:  study.Name,
				Trial:  trial.Number,
				Params: map[string]float64{ParamEpochs: float64(epochs), ParamLearningRate: lr},
			})
			return objective.Evaluate(ctx, trial, req.Sequences, req.Params)
		}, e.afterTrial)
		if err != nil {
			return EvotuneResult{Study: study}, err
		}
	}

	best, err := study.Best()
	if err != nil {
		return EvotuneResult{Study: study}, err
	}
	epochRange := DefaultEpochRange(len(req.Sequences)).Merge(req.Epochs)
	lrRange := DefaultLearningRateRange().Merge(req.LearningRate)
	epochs := int(math.Round(best.Params[epochRange.Name]))
	lr := best.Params[lrRange.Name]
	e.observer().OnEvent(ctx, training.Event{
		Kind:   training.EventSearchCompleted,
		Time:   time.Now(),
		Study:  study.Name,
		Trial:  best.Number,
		Value:  *best.Value,
		Params: best.Params,
	})

	stepsPerPrint := req.StepsPerPrint
	switch {
	case stepsPerPrint == 0:
		stepsPerPrint = DefaultStepsPerPrint
	case stepsPerPrint < 0:
		stepsPerPrint = 0
	}
	params, err := e.Fitter.Fit(ctx, req.Params, req.Sequences, training.FitOptions{
		Epochs:        epochs,
		StepSize:      lr,
		Holdout:       req.OutDomain,
		Project:       req.Project,
		StepsPerPrint: stepsPerPrint,
	})
	if err != nil {
		return EvotuneResult{Study: study}, fmt.Errorf("final fit: %w", err)
	}
	return EvotuneResult{Study: study, Params: params, Epochs: epochs, LearningRate: lr}, nil
}

func (e *Evotuner) openStudy(ctx context.Context, name string) (*Study, error) {
	sampler := e.Sampler
	if sampler == nil {
		sampler = NewRandomSampler(e.Seed)
	}
	if name == "" || e.Store == nil {
		return NewStudy(name, sampler), nil
	}
	rec, ok, err := e.Store.GetStudy(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load study %s: %w", name, err)
	}
	if !ok {
		return NewStudy(name, sampler), nil
	}
	return StudyFromRecord(rec, sampler), nil
}

func (e *Evotuner) afterTrial(ctx context.Context, study *Study, rec model.TrialRecord) error {
	ev := training.Event{
		Time:     rec.FinishedAt,
		Study:    study.Name,
		Trial:    rec.Number,
		Params:   rec.Params,
		Duration: rec.FinishedAt.Sub(rec.StartedAt),
	}
	switch rec.State {
	case model.TrialComplete:
		ev.Kind = training.EventTrialCompleted
		ev.Value = *rec.Value
	case model.TrialPruned:
		ev.Kind = training.EventTrialPruned
		ev.Err = fmt.Errorf("trial %s", rec.State)
	default:
		ev.Kind = training.EventTrialFailed
		ev.Err = fmt.Errorf("trial %s", rec.State)
	}
	e.observer().OnEvent(ctx, ev)

	if e.Store == nil {
		return nil
	}
	if err := e.Store.SaveStudy(ctx, study.Record()); err != nil {
		return fmt.Errorf("save study %s: %w", study.Name, err)
	}
	return nil
}

func (e *Evotuner) observer() training.Observer {
	if e.Observer == nil {
		return training.Nop()
	}
	return e.Observer
}

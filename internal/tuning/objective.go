package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"evotune/internal/batch"
	"evotune/internal/model"
	"evotune/internal/training"
)

var tracer = otel.Tracer("evotune.tuning")

const DefaultFolds = 5

// Fitter is the slice of the training loop the search needs.
type Fitter interface {
	Fit(ctx context.Context, params model.Params, seqs []string, opts training.FitOptions) (model.Params, error)
	AvgLoss(params model.Params, seqs []string) (float64, error)
}

// Objective scores a trial by k-fold cross-validation: every fold trains on
// the remaining k-1 folds and the trial value is the mean held-out loss.
// Fold fits run without a project and never write checkpoints; only the
// final fit of a search is persisted.
type Objective struct {
	Fitter       Fitter
	Folds        int
	Shuffle      bool
	Seed         uint64
	Workers      int
	Epochs       *Range
	LearningRate *Range
	// Divergence set to prune turns diverged folds into pruned trials.
	Divergence training.DivergencePolicy
	Observer   training.Observer
}

// Suggest draws the epoch count and learning rate for trial.
func (o *Objective) Suggest(trial *Trial, numSequences int) (int, float64, error) {
	epochs := DefaultEpochRange(numSequences).Merge(o.Epochs)
	lr := DefaultLearningRateRange().Merge(o.LearningRate)

	n, err := trial.SuggestDiscreteUniform(epochs.Name, epochs.Low, epochs.High, epochs.Q)
	if err != nil {
		return 0, 0, err
	}
	rate, err := trial.SuggestLogUniform(lr.Name, lr.Low, lr.High)
	if err != nil {
		return 0, 0, err
	}
	return int(math.Round(n)), rate, nil
}

// Evaluate returns the mean held-out loss of trial across all folds.
func (o *Objective) Evaluate(ctx context.Context, trial *Trial, seqs []string, params model.Params) (float64, error) {
	ctx, span := tracer.Start(ctx, "tuning.Objective", trace.WithAttributes(
		attribute.Int("trial", trial.Number),
		attribute.Int("sequences", len(seqs)),
	))
	defer span.End()

	value, err := o.evaluate(ctx, trial, seqs, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return value, err
}

func (o *Objective) evaluate(ctx context.Context, trial *Trial, seqs []string, params model.Params) (float64, error) {
	if o.Fitter == nil {
		return 0, errors.New("objective requires a fitter")
	}
	epochs, lr, err := o.Suggest(trial, len(seqs))
	if err != nil {
		return 0, err
	}
	k := o.Folds
	if k == 0 {
		k = DefaultFolds
	}
	rng := rand.New(rand.NewPCG(o.Seed, uint64(trial.Number)))
	folds, err := KFold(len(seqs), k, o.Shuffle, rng)
	if err != nil {
		return 0, err
	}

	losses := make([]float64, len(folds))
	runFold := func(ctx context.Context, i int) error {
		fold := folds[i]
		fitted, err := o.Fitter.Fit(ctx, params, batch.Select(seqs, fold.Train), training.FitOptions{Epochs: epochs, StepSize: lr})
		if err != nil {
			return o.foldError(i, err)
		}
		loss, err := o.Fitter.AvgLoss(fitted, batch.Select(seqs, fold.Test))
		if err != nil {
			return fmt.Errorf("fold %d held-out loss: %w", i, err)
		}
		if (math.IsNaN(loss) || math.IsInf(loss, 0)) && o.Divergence != training.DivergenceIgnore {
			return o.foldError(i, &training.DivergenceError{Epoch: epochs, Loss: loss})
		}
		losses[i] = loss
		o.observer().OnEvent(ctx, training.Event{
			Kind:  training.EventFoldCompleted,
			Time:  time.Now(),
			Trial: trial.Number,
			Fold:  i,
			Value: loss,
		})
		return nil
	}

	if o.Workers > 1 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.Workers)
		for i := range folds {
			g.Go(func() error { return runFold(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}
	} else {
		for i := range folds {
			if err := runFold(ctx, i); err != nil {
				return 0, err
			}
		}
	}

	trial.SetFoldLosses(losses)
	return stat.Mean(losses, nil), nil
}

func (o *Objective) foldError(fold int, err error) error {
	if o.Divergence == training.DivergencePrune && errors.Is(err, training.ErrDiverged) {
		return fmt.Errorf("%w: fold %d: %w", ErrTrialPruned, fold, err)
	}
	return fmt.Errorf("fold %d: %w", fold, err)
}

func (o *Objective) observer() training.Observer {
	if o.Observer == nil {
		return training.Nop()
	}
	return o.Observer
}

// Package training runs the evotuning gradient loop: sequences are bucketed
// by length, every bucket yields one optimizer update per epoch, and the
// loss is periodically evaluated and checkpointed.
package training

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/stat"

	"evotune/internal/batch"
	"evotune/internal/model"
	"evotune/internal/nn"
	"evotune/internal/optim"
)

var tracer = otel.Tracer("evotune.training")

var (
	ErrNoSequences   = errors.New("no sequences to train on")
	ErrNotConfigured = errors.New("trainer requires a model and an encoder")
	ErrInvalidEpochs = errors.New("epoch count must be >= 0")
)

// ParamsLoader supplies the starting parameters when Fit is called without any.
type ParamsLoader interface {
	LoadParams(ctx context.Context) (model.Params, error)
}

// CheckpointWriter persists intermediate parameters under a project name and
// a 1-indexed epoch.
type CheckpointWriter interface {
	WriteCheckpoint(ctx context.Context, project string, epoch int, params model.Params) error
}

type OptimizerFactory func(stepSize float64) (optim.Optimizer, error)

type Trainer struct {
	Model        nn.Model
	Encoder      *batch.Encoder
	Loader       ParamsLoader
	Writer       CheckpointWriter
	Observer     Observer
	NewOptimizer OptimizerFactory
	Divergence   DivergencePolicy
	// InitSeed seeds Model.Init when neither params nor a Loader are given.
	InitSeed uint64
}

type FitOptions struct {
	Epochs   int
	StepSize float64
	Holdout  []string
	Project  string
	// StepsPerPrint is the evaluation and checkpoint interval in epochs.
	// Zero disables periodic evaluation.
	StepsPerPrint int
}

// Fit trains params on seqs and returns the final parameters. The caller's
// params are never mutated.
func (t *Trainer) Fit(ctx context.Context, params model.Params, seqs []string, opts FitOptions) (model.Params, error) {
	ctx, span := tracer.Start(ctx, "training.Fit", trace.WithAttributes(
		attribute.Int("epochs", opts.Epochs),
		attribute.Float64("step_size", opts.StepSize),
		attribute.Int("sequences", len(seqs)),
		attribute.String("project", opts.Project),
	))
	defer span.End()

	out, err := t.fit(ctx, params, seqs, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (t *Trainer) fit(ctx context.Context, params model.Params, seqs []string, opts FitOptions) (model.Params, error) {
	if t.Model == nil || t.Encoder == nil {
		return nil, ErrNotConfigured
	}
	if opts.Epochs < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidEpochs, opts.Epochs)
	}
	params, err := t.initialParams(ctx, params)
	if err != nil {
		return nil, err
	}
	if err := t.Model.Validate(params); err != nil {
		return nil, fmt.Errorf("validate params: %w", err)
	}
	if len(seqs) == 0 {
		return nil, ErrNoSequences
	}

	pairs, _, err := t.Encoder.LengthBatches(seqs)
	if err != nil {
		return nil, fmt.Errorf("encode training sequences: %w", err)
	}
	var holdout []batch.Pair
	if len(opts.Holdout) > 0 {
		holdout, _, err = t.Encoder.LengthBatches(opts.Holdout)
		if err != nil {
			return nil, fmt.Errorf("encode holdout sequences: %w", err)
		}
	}
	opt, err := t.optimizer(opts.StepSize)
	if err != nil {
		return nil, err
	}

	obs := t.observer()
	started := time.Now()
	sizes := make([]float64, len(pairs))
	lengths := make([]int, len(pairs))
	for i, pair := range pairs {
		lengths[i] = pair.Size()
		sizes[i] = float64(pair.Size())
	}
	obs.OnEvent(ctx, Event{
		Kind:           EventFitStarted,
		Time:           started,
		Project:        opts.Project,
		Batches:        len(pairs),
		AvgBatchLength: stat.Mean(sizes, nil),
		BatchLengths:   lengths,
	})

	state := opt.Init(params)
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obs.OnEvent(ctx, Event{Kind: EventEpochStarted, Time: time.Now(), Project: opts.Project, Epoch: epoch + 1})

		for b, pair := range pairs {
			loss, grads, err := t.Model.LossAndGrad(state.Params(), pair.Inputs, pair.Targets)
			if err != nil {
				return nil, fmt.Errorf("epoch %d bucket %d: %w", epoch+1, b, err)
			}
			if !finite(loss) {
				obs.OnEvent(ctx, Event{Kind: EventDiverged, Time: time.Now(), Project: opts.Project, Epoch: epoch + 1, Step: state.Step + 1, Loss: loss})
				if t.Divergence != DivergenceIgnore {
					return nil, &DivergenceError{Epoch: epoch + 1, Step: state.Step + 1, Bucket: b, Loss: loss}
				}
			}
			state, err = opt.Update(state, grads)
			if err != nil {
				return nil, err
			}
			obs.OnEvent(ctx, Event{Kind: EventStepCompleted, Time: time.Now(), Project: opts.Project, Epoch: epoch + 1, Step: state.Step, Loss: loss})
		}

		if opts.StepsPerPrint > 0 && (epoch+1)%opts.StepsPerPrint == 0 {
			if err := t.report(ctx, state.Params(), pairs, holdout, epoch+1, opts); err != nil {
				return nil, err
			}
		}
	}

	obs.OnEvent(ctx, Event{Kind: EventFitCompleted, Time: time.Now(), Project: opts.Project, Epoch: opts.Epochs, Step: state.Step, Duration: time.Since(started)})
	return state.Params().Clone(), nil
}

func (t *Trainer) report(ctx context.Context, params model.Params, train, holdout []batch.Pair, epoch int, opts FitOptions) error {
	trainLoss, err := t.weightedLoss(params, train)
	if err != nil {
		return fmt.Errorf("epoch %d train loss: %w", epoch, err)
	}
	ev := Event{Kind: EventLossReported, Time: time.Now(), Project: opts.Project, Epoch: epoch, TrainLoss: trainLoss}
	if len(holdout) > 0 {
		ev.HoldoutLoss, err = t.weightedLoss(params, holdout)
		if err != nil {
			return fmt.Errorf("epoch %d holdout loss: %w", epoch, err)
		}
		ev.HasHoldout = true
	}
	t.observer().OnEvent(ctx, ev)

	if t.Writer == nil {
		return nil
	}
	if err := t.Writer.WriteCheckpoint(ctx, opts.Project, epoch, params); err != nil {
		return fmt.Errorf("write checkpoint epoch %d: %w", epoch, err)
	}
	t.observer().OnEvent(ctx, Event{Kind: EventCheckpointWritten, Time: time.Now(), Project: opts.Project, Epoch: epoch})
	return nil
}

// AvgLoss is the length-bucket loss weighted by bucket size:
// sum(loss(bucket) * |bucket|) / |seqs|.
func (t *Trainer) AvgLoss(params model.Params, seqs []string) (float64, error) {
	if t.Model == nil || t.Encoder == nil {
		return 0, ErrNotConfigured
	}
	if len(seqs) == 0 {
		return 0, ErrNoSequences
	}
	pairs, _, err := t.Encoder.LengthBatches(seqs)
	if err != nil {
		return 0, err
	}
	return t.weightedLoss(params, pairs)
}

func (t *Trainer) weightedLoss(params model.Params, pairs []batch.Pair) (float64, error) {
	losses := make([]float64, len(pairs))
	weights := make([]float64, len(pairs))
	for i, pair := range pairs {
		loss, err := t.Model.Loss(params, pair.Inputs, pair.Targets)
		if err != nil {
			return 0, err
		}
		losses[i] = loss
		weights[i] = float64(pair.Size())
	}
	return stat.Mean(losses, weights), nil
}

func (t *Trainer) initialParams(ctx context.Context, params model.Params) (model.Params, error) {
	if params != nil {
		return params, nil
	}
	if t.Loader != nil {
		loaded, err := t.Loader.LoadParams(ctx)
		if err != nil {
			return nil, fmt.Errorf("load default params: %w", err)
		}
		return loaded, nil
	}
	return t.Model.Init(t.InitSeed), nil
}

func (t *Trainer) optimizer(stepSize float64) (optim.Optimizer, error) {
	if t.NewOptimizer != nil {
		return t.NewOptimizer(stepSize)
	}
	return optim.NewAdamW(stepSize), nil
}

func (t *Trainer) observer() Observer {
	if t.Observer == nil {
		return Nop()
	}
	return t.Observer
}

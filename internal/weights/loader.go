package weights

import (
	"context"
	"errors"
	"fmt"

	"evotune/internal/model"
	"evotune/internal/nn"
	"evotune/internal/storage"
)

// InitLoader draws fresh parameters from the model's initializer.
type InitLoader struct {
	Model nn.Model
	Seed  uint64
}

func (l InitLoader) LoadParams(_ context.Context) (model.Params, error) {
	if l.Model == nil {
		return nil, errors.New("init loader requires a model")
	}
	return l.Model.Init(l.Seed), nil
}

// BucketLoader reads a checkpoint from a Bucket. Epoch 0 selects the latest
// checkpoint of Project. When Model is set the loaded shapes are validated.
type BucketLoader struct {
	Bucket  Bucket
	Prefix  string
	Project string
	Epoch   int
	Model   nn.Model
}

func (l BucketLoader) LoadParams(ctx context.Context) (model.Params, error) {
	epoch := l.Epoch
	if epoch == 0 {
		epochs, err := Epochs(ctx, l.Bucket, l.Prefix, l.Project)
		if err != nil {
			return nil, err
		}
		if epoch, err = latest(epochs, l.Project); err != nil {
			return nil, err
		}
	}
	data, err := l.Bucket.Get(ctx, ObjectName(l.Prefix, l.Project, epoch))
	if err != nil {
		return nil, err
	}
	params, err := decode(data, l.Model)
	if err != nil {
		return nil, fmt.Errorf("load %s epoch %d: %w", l.Project, epoch, err)
	}
	return params, nil
}

// StoreLoader reads a checkpoint from a storage backend.
type StoreLoader struct {
	Store   storage.Store
	Project string
	Epoch   int
	Model   nn.Model
}

func (l StoreLoader) LoadParams(ctx context.Context) (model.Params, error) {
	epoch := l.Epoch
	if epoch == 0 {
		epochs, err := l.Store.ListCheckpoints(ctx, l.Project)
		if err != nil {
			return nil, err
		}
		if epoch, err = latest(epochs, l.Project); err != nil {
			return nil, err
		}
	}
	rec, ok, err := l.Store.GetCheckpoint(ctx, l.Project, epoch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %s/%d", ErrNotFound, l.Project, epoch)
	}
	return fromRecord(rec, l.Model)
}

// Loader is satisfied by every loader in this package.
type Loader interface {
	LoadParams(ctx context.Context) (model.Params, error)
}

type chain []Loader

// Chain tries each loader in turn and moves on only when one reports
// ErrNotFound. Pretrained weights followed by an InitLoader gives a seeded
// fallback when no checkpoint exists.
func Chain(loaders ...Loader) Loader {
	return chain(loaders)
}

func (c chain) LoadParams(ctx context.Context) (model.Params, error) {
	var lastErr error = ErrNotFound
	for _, l := range c {
		params, err := l.LoadParams(ctx)
		if err == nil {
			return params, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

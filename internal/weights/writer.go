package weights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evotune/internal/model"
	"evotune/internal/storage"
)

// Writer is satisfied by every checkpoint writer in this package.
type Writer interface {
	WriteCheckpoint(ctx context.Context, project string, epoch int, params model.Params) error
}

// BucketWriter writes checkpoints to ObjectName(Prefix, project, epoch).
type BucketWriter struct {
	Bucket Bucket
	Prefix string
}

func (w BucketWriter) WriteCheckpoint(ctx context.Context, project string, epoch int, params model.Params) error {
	data, err := encode(project, epoch, params)
	if err != nil {
		return err
	}
	name := ObjectName(w.Prefix, project, epoch)
	if err := w.Bucket.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	return nil
}

type StoreWriter struct {
	Store storage.Store
}

func (w StoreWriter) WriteCheckpoint(ctx context.Context, project string, epoch int, params model.Params) error {
	return w.Store.SaveCheckpoint(ctx, model.CheckpointRecord{
		Project:   project,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
		Params:    params.Record(),
	})
}

type multiWriter []Writer

// MultiWriter writes every checkpoint to all writers and joins their errors.
func MultiWriter(writers ...Writer) Writer {
	out := make(multiWriter, 0, len(writers))
	for _, w := range writers {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}

func (m multiWriter) WriteCheckpoint(ctx context.Context, project string, epoch int, params model.Params) error {
	var errs []error
	for _, w := range m {
		if err := w.WriteCheckpoint(ctx, project, epoch, params); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package storage

import (
	"context"

	"evotune/internal/model"
)

// Store persists hyperparameter studies and parameter checkpoints.
type Store interface {
	Init(ctx context.Context) error
	SaveStudy(ctx context.Context, study model.StudyRecord) error
	GetStudy(ctx context.Context, name string) (model.StudyRecord, bool, error)
	ListStudies(ctx context.Context) ([]model.StudyRecord, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, project string, epoch int) (model.CheckpointRecord, bool, error)
	ListCheckpoints(ctx context.Context, project string) ([]int, error)
}

package storage

import (
	"context"
	"sort"
	"sync"

	"evotune/internal/model"
)

type checkpointKey struct {
	project string
	epoch   int
}

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	studies     map[string]model.StudyRecord
	checkpoints map[checkpointKey]model.CheckpointRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.studies = make(map[string]model.StudyRecord)
	s.checkpoints = make(map[checkpointKey]model.CheckpointRecord)
	return nil
}

func (s *MemoryStore) SaveStudy(_ context.Context, study model.StudyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp(&study.VersionedRecord)
	study.Trials = append([]model.TrialRecord(nil), study.Trials...)
	s.studies[study.Name] = study
	return nil
}

func (s *MemoryStore) GetStudy(_ context.Context, name string) (model.StudyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	study, ok := s.studies[name]
	if !ok {
		return model.StudyRecord{}, false, nil
	}
	study.Trials = append([]model.TrialRecord(nil), study.Trials...)
	return study, true, nil
}

func (s *MemoryStore) ListStudies(_ context.Context) ([]model.StudyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StudyRecord, 0, len(s.studies))
	for _, study := range s.studies {
		study.Trials = append([]model.TrialRecord(nil), study.Trials...)
		out = append(out, study)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp(&checkpoint.VersionedRecord)
	s.checkpoints[checkpointKey{checkpoint.Project, checkpoint.Epoch}] = checkpoint
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, project string, epoch int) (model.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[checkpointKey{project, epoch}]
	return checkpoint, ok, nil
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, project string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var epochs []int
	for key := range s.checkpoints {
		if key.project == project {
			epochs = append(epochs, key.epoch)
		}
	}
	sort.Ints(epochs)
	return epochs, nil
}

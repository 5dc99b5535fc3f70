package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"evotune/internal/model"
)

const (
	studyPrefix      = "study/"
	checkpointPrefix = "checkpoint/"
)

// BadgerStore keeps records as versioned JSON values under
// study/<name> and checkpoint/<project>/<epoch> keys. An empty path opens an
// in-memory database.
type BadgerStore struct {
	path string

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(path string) *BadgerStore {
	return &BadgerStore{path: path}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.path, 0o750); err != nil {
			return fmt.Errorf("create database directory %s: %w", s.path, err)
		}
		opts = badger.DefaultOptions(s.path)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return fmt.Errorf("open badger database: %w", err)
	}
	s.db = db
	return nil
}

func studyKey(name string) []byte {
	return []byte(studyPrefix + name)
}

func checkpointKeyPrefix(project string) string {
	return checkpointPrefix + project + "/"
}

// Epochs are zero padded so lexical key order matches numeric order.
func checkpointKeyFor(project string, epoch int) []byte {
	return []byte(fmt.Sprintf("%s%010d", checkpointKeyPrefix(project), epoch))
}

func (s *BadgerStore) SaveStudy(_ context.Context, study model.StudyRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeStudy(study)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(studyKey(study.Name), payload)
	})
}

func (s *BadgerStore) GetStudy(_ context.Context, name string) (model.StudyRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.StudyRecord{}, false, err
	}
	payload, ok, err := get(db, studyKey(name))
	if err != nil || !ok {
		return model.StudyRecord{}, false, err
	}
	study, err := DecodeStudy(payload)
	if err != nil {
		return model.StudyRecord{}, false, fmt.Errorf("decode study %s: %w", name, err)
	}
	return study, true, nil
}

func (s *BadgerStore) ListStudies(_ context.Context) ([]model.StudyRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var studies []model.StudyRecord
	err = scan(db, studyPrefix, true, func(key string, payload []byte) error {
		study, err := DecodeStudy(payload)
		if err != nil {
			return fmt.Errorf("decode study %s: %w", strings.TrimPrefix(key, studyPrefix), err)
		}
		studies = append(studies, study)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(studies, func(i, j int) bool { return studies[i].Name < studies[j].Name })
	return studies, nil
}

func (s *BadgerStore) SaveCheckpoint(_ context.Context, checkpoint model.CheckpointRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKeyFor(checkpoint.Project, checkpoint.Epoch), payload)
	})
}

func (s *BadgerStore) GetCheckpoint(_ context.Context, project string, epoch int) (model.CheckpointRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}
	payload, ok, err := get(db, checkpointKeyFor(project, epoch))
	if err != nil || !ok {
		return model.CheckpointRecord{}, false, err
	}
	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s/%d: %w", project, epoch, err)
	}
	return checkpoint, true, nil
}

func (s *BadgerStore) ListCheckpoints(_ context.Context, project string) ([]int, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	prefix := checkpointKeyPrefix(project)
	var epochs []int
	err = scan(db, prefix, false, func(key string, _ []byte) error {
		rest := strings.TrimPrefix(key, prefix)
		if strings.Contains(rest, "/") {
			// nested project name
			return nil
		}
		epoch, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("malformed checkpoint key %q: %w", key, err)
		}
		epochs = append(epochs, epoch)
		return nil
	})
	return epochs, err
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func get(db *badger.DB, key []byte) ([]byte, bool, error) {
	var payload []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func scan(db *badger.DB, prefix string, values bool, fn func(key string, payload []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchValues = values
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var payload []byte
			if values {
				var err error
				payload, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			}
			if err := fn(string(item.KeyCopy(nil)), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

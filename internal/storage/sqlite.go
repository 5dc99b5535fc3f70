package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"evotune/internal/model"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveStudy(ctx context.Context, study model.StudyRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	stamp(&study.VersionedRecord)
	payload, err := EncodeStudy(study)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO studies (name, id, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			id = excluded.id,
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, study.Name, study.ID, study.SchemaVersion, study.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetStudy(ctx context.Context, name string) (model.StudyRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.StudyRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM studies WHERE name = ?`, name).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.StudyRecord{}, false, nil
		}
		return model.StudyRecord{}, false, err
	}

	study, err := DecodeStudy(payload)
	if err != nil {
		return model.StudyRecord{}, false, fmt.Errorf("decode study %s: %w", name, err)
	}
	return study, true, nil
}

func (s *SQLiteStore) ListStudies(ctx context.Context) ([]model.StudyRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name, payload FROM studies ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var studies []model.StudyRecord
	for rows.Next() {
		var (
			name    string
			payload []byte
		)
		if err := rows.Scan(&name, &payload); err != nil {
			return nil, err
		}
		study, err := DecodeStudy(payload)
		if err != nil {
			return nil, fmt.Errorf("decode study %s: %w", name, err)
		}
		studies = append(studies, study)
	}
	return studies, rows.Err()
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, checkpoint model.CheckpointRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	stamp(&checkpoint.VersionedRecord)
	payload, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (project, epoch, schema_version, codec_version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project, epoch) DO UPDATE SET
			schema_version = excluded.schema_version,
			codec_version = excluded.codec_version,
			payload = excluded.payload
	`, checkpoint.Project, checkpoint.Epoch, checkpoint.SchemaVersion, checkpoint.CodecVersion, payload)
	return err
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, project string, epoch int) (model.CheckpointRecord, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return model.CheckpointRecord{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE project = ? AND epoch = ?`, project, epoch).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CheckpointRecord{}, false, nil
		}
		return model.CheckpointRecord{}, false, err
	}

	checkpoint, err := DecodeCheckpoint(payload)
	if err != nil {
		return model.CheckpointRecord{}, false, fmt.Errorf("decode checkpoint %s/%d: %w", project, epoch, err)
	}
	return checkpoint, true, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, project string) ([]int, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT epoch FROM checkpoints WHERE project = ? ORDER BY epoch`, project)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []int
	for rows.Next() {
		var epoch int
		if err := rows.Scan(&epoch); err != nil {
			return nil, err
		}
		epochs = append(epochs, epoch)
	}
	return epochs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS studies (
			name TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS checkpoints (
			project TEXT NOT NULL,
			epoch INTEGER NOT NULL,
			schema_version INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (project, epoch)
		);
	`)
	return err
}

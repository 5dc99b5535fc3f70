package storage

import (
	"encoding/json"
	"errors"

	"evotune/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func EncodeStudy(s model.StudyRecord) ([]byte, error) {
	stamp(&s.VersionedRecord)
	return json.Marshal(s)
}

func DecodeStudy(data []byte) (model.StudyRecord, error) {
	var study model.StudyRecord
	if err := json.Unmarshal(data, &study); err != nil {
		return model.StudyRecord{}, err
	}
	if err := checkVersion(study.VersionedRecord); err != nil {
		return model.StudyRecord{}, err
	}
	return study, nil
}

func EncodeCheckpoint(c model.CheckpointRecord) ([]byte, error) {
	stamp(&c.VersionedRecord)
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.CheckpointRecord, error) {
	var checkpoint model.CheckpointRecord
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.CheckpointRecord{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.CheckpointRecord{}, err
	}
	return checkpoint, nil
}

// stamp fills in the current versions on records built without them.
func stamp(v *model.VersionedRecord) {
	if v.SchemaVersion == 0 && v.CodecVersion == 0 {
		v.SchemaVersion = CurrentSchemaVersion
		v.CodecVersion = CurrentCodecVersion
	}
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

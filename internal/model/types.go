package model

import "time"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type TrialState string

const (
	TrialRunning  TrialState = "running"
	TrialComplete TrialState = "complete"
	TrialPruned   TrialState = "pruned"
	TrialFailed   TrialState = "failed"
)

// TrialRecord is the persisted form of one hyperparameter trial. Value is nil
// unless the trial completed with a finite score.
type TrialRecord struct {
	Number     int                `json:"number"`
	State      TrialState         `json:"state"`
	Params     map[string]float64 `json:"params"`
	Value      *float64           `json:"value,omitempty"`
	FoldLosses []float64          `json:"fold_losses,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

type StudyRecord struct {
	VersionedRecord
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Direction  string        `json:"direction"`
	Sampler    string        `json:"sampler"`
	CreatedAt  time.Time     `json:"created_at"`
	Trials     []TrialRecord `json:"trials"`
	BestNumber int           `json:"best_number"`
}

// Best returns the best completed trial, if any.
func (s StudyRecord) Best() (TrialRecord, bool) {
	for _, trial := range s.Trials {
		if trial.Number == s.BestNumber && trial.State == TrialComplete {
			return trial, true
		}
	}
	return TrialRecord{}, false
}

type CheckpointRecord struct {
	VersionedRecord
	Project   string       `json:"project"`
	Epoch     int          `json:"epoch"`
	CreatedAt time.Time    `json:"created_at"`
	Params    ParamsRecord `json:"params"`
}

// ParamsRecord is a serializable snapshot of a ParameterSet.
type ParamsRecord struct {
	Layers []LayerRecord `json:"layers"`
}

type LayerRecord struct {
	Name   string       `json:"name"`
	Leaves []LeafRecord `json:"leaves"`
}

type LeafRecord struct {
	Name string    `json:"name"`
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"evotune/internal/model"
)

func TestDecodeStudyFixture(t *testing.T) {
	study := decodeStudyFixture(t, "study_v1.json")
	if study.Name != "fixture-study" {
		t.Fatalf("unexpected study name: %s", study.Name)
	}
	if len(study.Trials) != 2 {
		t.Fatalf("expected 2 trials, got %d", len(study.Trials))
	}
	best, ok := study.Best()
	if !ok {
		t.Fatal("expected best trial")
	}
	if best.Value == nil || *best.Value != 2.75 {
		t.Fatalf("unexpected best value: %+v", best.Value)
	}
	if study.Trials[1].State != model.TrialPruned || study.Trials[1].Value != nil {
		t.Fatalf("unexpected pruned trial: %+v", study.Trials[1])
	}
}

func TestDecodeCheckpointFixture(t *testing.T) {
	data, err := os.ReadFile(fixturePath("checkpoint_v1.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	checkpoint, err := DecodeCheckpoint(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	if checkpoint.Project != "fixture" || checkpoint.Epoch != 200 {
		t.Fatalf("unexpected checkpoint: %s/%d", checkpoint.Project, checkpoint.Epoch)
	}
	params, err := model.ParamsFromRecord(checkpoint.Params)
	if err != nil {
		t.Fatalf("restore params: %v", err)
	}
	if got := params[1].Leaves["w"].At(1, 0); got != 2 {
		t.Fatalf("unexpected dense weight: %f", got)
	}
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	data, err := os.ReadFile(fixturePath("study_v2.json"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	if _, err := DecodeStudy(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
}

func TestEncodeStampsCurrentVersion(t *testing.T) {
	payload, err := EncodeStudy(model.StudyRecord{Name: "fresh"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	study, err := DecodeStudy(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if study.SchemaVersion != CurrentSchemaVersion || study.CodecVersion != CurrentCodecVersion {
		t.Fatalf("unexpected versions: %+v", study.VersionedRecord)
	}
}

func fixturePath(name string) string {
	return filepath.Join("..", "..", "testdata", "fixtures", name)
}

func decodeStudyFixture(t *testing.T, name string) model.StudyRecord {
	t.Helper()
	data, err := os.ReadFile(fixturePath(name))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	study, err := DecodeStudy(data)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	return study
}

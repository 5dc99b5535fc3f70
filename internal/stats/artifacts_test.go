package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"evotune/internal/model"
)

func floatPtr(v float64) *float64 { return &v }

func sampleArtifacts(runID string) RunArtifacts {
	trials := []model.TrialRecord{
		{Number: 0, State: model.TrialComplete, Value: floatPtr(2.5), Params: map[string]float64{"n_epochs": 3, "learning_rate": 1e-3}},
		{Number: 1, State: model.TrialPruned, Params: map[string]float64{"n_epochs": 9}},
		{Number: 2, State: model.TrialComplete, Value: floatPtr(1.5), Params: map[string]float64{"n_epochs": 5, "learning_rate": 3e-4}},
	}
	history := []LossPoint{
		{Epoch: 2, TrainLoss: 3.1, HoldoutLoss: floatPtr(3.3)},
		{Epoch: 4, TrainLoss: 2.9, HoldoutLoss: floatPtr(3.0)},
	}
	return RunArtifacts{
		Config: RunConfig{
			RunID:        runID,
			Command:      "evotune",
			Project:      "demo",
			Study:        "search",
			Sequences:    10,
			Trials:       3,
			Folds:        5,
			Seed:         1,
			CreatedAtUTC: "2026-02-10T10:00:00Z",
		},
		LossHistory: history,
		Trials:      trials,
		Summary:     Summarize(trials, history),
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	runDir, err := WriteRunArtifacts(baseDir, sampleArtifacts(runID))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	files := []string{"config.json", "loss_history.json", "loss_history.csv", "summary.json", "trials.json", "trials.csv"}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range files {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Study != "search" || cfg.Folds != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	trials, ok, err := ReadTrials(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read trials: ok=%t err=%v", ok, err)
	}
	if len(trials) != 3 || trials[1].State != model.TrialPruned {
		t.Fatalf("unexpected trials: %+v", trials)
	}
}

func TestFitRunsSkipTrialFiles(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := RunArtifacts{
		Config:      RunConfig{RunID: "fit-1", Command: "fit"},
		LossHistory: []LossPoint{{Epoch: 1, TrainLoss: 2}},
	}
	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	if _, err := os.Stat(filepath.Join(runDir, "trials.csv")); !os.IsNotExist(err) {
		t.Fatalf("expected no trials table for a fit run, got err=%v", err)
	}
	if _, err := ExportRunArtifacts(baseDir, "fit-1", t.TempDir()); err != nil {
		t.Fatalf("export fit run: %v", err)
	}
	if _, err := WriteRunArtifacts(baseDir, RunArtifacts{}); err == nil {
		t.Fatal("expected missing run id to fail")
	}
}

func TestTrialsTableHasParamColumns(t *testing.T) {
	runDir := t.TempDir()
	if err := WriteTrialsTable(runDir, sampleArtifacts("x").Trials); err != nil {
		t.Fatalf("write trials table: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(runDir, "trials.csv"))
	if err != nil {
		t.Fatalf("read trials table: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(lines))
	}
	if lines[0] != "number,state,value,learning_rate,n_epochs" {
		t.Fatalf("unexpected header: %s", lines[0])
	}
	if lines[2] != "1,pruned,,,9" {
		t.Fatalf("unexpected pruned row: %s", lines[2])
	}
}

func TestLossSeriesRoundTrip(t *testing.T) {
	baseDir := t.TempDir()
	runID := "run-loss"
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir run dir: %v", err)
	}

	if _, ok, err := ReadLossSeries(baseDir, runID); err != nil || ok {
		t.Fatalf("expected missing loss series; ok=%t err=%v", ok, err)
	}

	want := []LossPoint{{Epoch: 2, TrainLoss: 1.25}, {Epoch: 4, TrainLoss: 1.0, HoldoutLoss: floatPtr(1.5)}}
	if err := WriteLossSeries(runDir, want); err != nil {
		t.Fatalf("write loss series: %v", err)
	}
	got, ok, err := ReadLossSeries(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read loss series: ok=%t err=%v", ok, err)
	}
	if len(got) != 2 || got[0].HoldoutLoss != nil || got[1].HoldoutLoss == nil || *got[1].HoldoutLoss != 1.5 {
		t.Fatalf("unexpected loss series: %+v", got)
	}
}

func TestRunIndexAppendListAndUpsert(t *testing.T) {
	baseDir := t.TempDir()

	err := AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Command:      "evotune",
		Sequences:    10,
		BestValue:    floatPtr(2.0),
		CreatedAtUTC: "2026-02-10T10:00:00Z",
	})
	if err != nil {
		t.Fatalf("append run-1: %v", err)
	}

	err = AppendRunIndex(baseDir, sampleArtifacts("run-2").IndexEntry())
	if err != nil {
		t.Fatalf("append run-2: %v", err)
	}

	entries, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Equal timestamps: the later append sorts first.
	if entries[0].RunID != "run-2" || entries[1].RunID != "run-1" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if entries[0].BestValue == nil || *entries[0].BestValue != 1.5 {
		t.Fatalf("unexpected best value: %+v", entries[0])
	}

	err = AppendRunIndex(baseDir, RunIndexEntry{
		RunID:        "run-1",
		Command:      "evotune",
		BestValue:    floatPtr(0.9),
		CreatedAtUTC: "2026-02-10T12:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert run-1: %v", err)
	}

	entries, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list after upsert: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries after upsert, got %d", len(entries))
	}
	if entries[0].RunID != "run-1" || *entries[0].BestValue != 0.9 {
		t.Fatalf("unexpected upsert result: %+v", entries[0])
	}
}

func TestWriteRunConfigChecksRunID(t *testing.T) {
	baseDir := t.TempDir()
	if err := WriteRunConfig(baseDir, "run-a", RunConfig{Command: "fit"}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, ok, err := ReadRunConfig(baseDir, "run-a")
	if err != nil || !ok || cfg.RunID != "run-a" {
		t.Fatalf("unexpected config: %+v ok=%t err=%v", cfg, ok, err)
	}
	if err := WriteRunConfig(baseDir, "run-a", RunConfig{RunID: "run-b"}); err == nil {
		t.Fatal("expected run id mismatch to fail")
	}
}

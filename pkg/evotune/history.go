package evotune

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"evotune/internal/model"
	"evotune/internal/stats"
	"evotune/internal/weights"
)

type StudyItem struct {
	Name      string
	Sampler   string
	Trials    int
	Completed int
	BestTrial *int
	BestValue *float64
	BestParam map[string]float64
}

func (c *Client) Studies(ctx context.Context) ([]StudyItem, error) {
	records, err := c.store.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]StudyItem, 0, len(records))
	for _, rec := range records {
		item := StudyItem{Name: rec.Name, Sampler: rec.Sampler, Trials: len(rec.Trials)}
		for _, trial := range rec.Trials {
			if trial.State == model.TrialComplete {
				item.Completed++
			}
		}
		if best, ok := rec.Best(); ok {
			number := best.Number
			item.BestTrial = &number
			item.BestValue = best.Value
			item.BestParam = best.Params
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) Study(ctx context.Context, name string) (model.StudyRecord, error) {
	rec, ok, err := c.store.GetStudy(ctx, name)
	if err != nil {
		return model.StudyRecord{}, err
	}
	if !ok {
		return model.StudyRecord{}, fmt.Errorf("%w: %s", ErrStudyNotFound, name)
	}
	return rec, nil
}

// Checkpoints lists the saved epochs of project in the configured
// checkpoint backend.
func (c *Client) Checkpoints(ctx context.Context, project string) ([]int, error) {
	if c.bucket != nil {
		return weights.Epochs(ctx, c.bucket, c.cfg.Checkpoints.Prefix, project)
	}
	return c.store.ListCheckpoints(ctx, project)
}

// LoadCheckpoint reads one checkpoint; epoch 0 selects the latest.
func (c *Client) LoadCheckpoint(ctx context.Context, project string, epoch int) (model.Params, error) {
	var loader weights.Loader = weights.StoreLoader{Store: c.store, Project: project, Epoch: epoch, Model: c.model}
	if c.bucket != nil {
		loader = weights.BucketLoader{
			Bucket:  c.bucket,
			Prefix:  c.cfg.Checkpoints.Prefix,
			Project: project,
			Epoch:   epoch,
			Model:   c.model,
		}
	}
	return loader.LoadParams(ctx)
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	Command      string
	Project      string
	Study        string
	Sequences    int
	Trials       int
	BestValue    *float64
	FinalLoss    *float64
	CreatedAtUTC string
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			Command:      e.Command,
			Project:      e.Project,
			Study:        e.Study,
			Sequences:    e.Sequences,
			Trials:       e.Trials,
			BestValue:    e.BestValue,
			FinalLoss:    e.FinalLoss,
			CreatedAtUTC: e.CreatedAtUTC,
		})
	}
	return out, nil
}

type RunDetail struct {
	Config      stats.RunConfig
	Summary     stats.Summary
	LossHistory []stats.LossPoint
	Trials      []model.TrialRecord
}

// Run reads every artifact recorded for runID.
func (c *Client) Run(_ context.Context, runID string) (RunDetail, error) {
	cfg, ok, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run not found: %s", runID)
	}
	detail := RunDetail{Config: cfg}
	if detail.Summary, _, err = stats.ReadSummary(c.artifactsDir, runID); err != nil {
		return RunDetail{}, err
	}
	if detail.LossHistory, _, err = stats.ReadLossSeries(c.artifactsDir, runID); err != nil {
		return RunDetail{}, err
	}
	if detail.Trials, _, err = stats.ReadTrials(c.artifactsDir, runID); err != nil {
		return RunDetail{}, err
	}
	return detail, nil
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, ErrNoRuns
		}
		runID = entries[0].RunID
	}

	dir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(dir)}, nil
}

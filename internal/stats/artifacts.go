package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"evotune/internal/model"
)

const runIndexFile = "run_index.json"

const (
	configFile      = "config.json"
	lossHistoryFile = "loss_history.json"
	lossSeriesFile  = "loss_history.csv"
	trialsFile      = "trials.json"
	trialsTableFile = "trials.csv"
	summaryFile     = "summary.json"
)

type RunConfig struct {
	RunID         string      `json:"run_id"`
	Command       string      `json:"command"`
	Project       string      `json:"project,omitempty"`
	Study         string      `json:"study,omitempty"`
	SequencesPath string      `json:"sequences_path,omitempty"`
	Sequences     int         `json:"sequences"`
	OutDomain     int         `json:"out_domain,omitempty"`
	Trials        int         `json:"trials,omitempty"`
	Folds         int         `json:"folds,omitempty"`
	Epochs        int         `json:"epochs,omitempty"`
	LearningRate  float64     `json:"learning_rate,omitempty"`
	Sampler       string      `json:"sampler,omitempty"`
	Optimizer     string      `json:"optimizer,omitempty"`
	WeightDecay   float64     `json:"weight_decay"`
	Divergence    string      `json:"divergence,omitempty"`
	StepsPerPrint int         `json:"steps_per_print,omitempty"`
	EmbedDim      int         `json:"embed_dim"`
	HiddenSize    int         `json:"hidden_size"`
	Seed          uint64      `json:"seed"`
	Workers       int         `json:"workers,omitempty"`
	Shuffle       bool        `json:"shuffle"`
	EpochRange    *[3]int     `json:"epoch_range,omitempty"`
	RateRange     *[2]float64 `json:"learning_rate_range,omitempty"`
	CreatedAtUTC  string      `json:"created_at_utc"`
}

// LossPoint is one periodic evaluation of a fit.
type LossPoint struct {
	Epoch       int      `json:"epoch"`
	TrainLoss   float64  `json:"train_loss"`
	HoldoutLoss *float64 `json:"holdout_loss,omitempty"`
}

type RunArtifacts struct {
	Config      RunConfig           `json:"config"`
	LossHistory []LossPoint         `json:"loss_history"`
	Trials      []model.TrialRecord `json:"trials,omitempty"`
	Summary     Summary             `json:"summary"`
}

type RunIndexEntry struct {
	RunID        string   `json:"run_id"`
	Command      string   `json:"command"`
	Project      string   `json:"project,omitempty"`
	Study        string   `json:"study,omitempty"`
	Sequences    int      `json:"sequences"`
	Trials       int      `json:"trials,omitempty"`
	BestValue    *float64 `json:"best_value,omitempty"`
	FinalLoss    *float64 `json:"final_loss,omitempty"`
	CreatedAtUTC string   `json:"created_at_utc"`
}

// IndexEntry condenses the artifacts into a run index row.
func (a RunArtifacts) IndexEntry() RunIndexEntry {
	return RunIndexEntry{
		RunID:        a.Config.RunID,
		Command:      a.Config.Command,
		Project:      a.Config.Project,
		Study:        a.Config.Study,
		Sequences:    a.Config.Sequences,
		Trials:       a.Summary.Trials,
		BestValue:    a.Summary.BestValue,
		FinalLoss:    a.Summary.FinalTrainLoss,
		CreatedAtUTC: a.Config.CreatedAtUTC,
	}
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, lossHistoryFile), artifacts.LossHistory); err != nil {
		return "", err
	}
	if err := WriteLossSeries(runDir, artifacts.LossHistory); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summaryFile), artifacts.Summary); err != nil {
		return "", err
	}
	if len(artifacts.Trials) > 0 {
		if err := writeJSON(filepath.Join(runDir, trialsFile), artifacts.Trials); err != nil {
			return "", err
		}
		if err := WriteTrialsTable(runDir, artifacts.Trials); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, lossHistoryFile, lossSeriesFile, summaryFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	for _, file := range []string{trialsFile, trialsTableFile} {
		path := filepath.Join(src, file)
		if _, err := os.Stat(path); err == nil {
			if err := copyFile(path, filepath.Join(dst, file)); err != nil {
				return "", err
			}
		} else if !os.IsNotExist(err) {
			return "", err
		}
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, configFile), cfg)
}

func ReadTrials(baseDir, runID string) ([]model.TrialRecord, bool, error) {
	var trials []model.TrialRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, trialsFile), &trials)
	return trials, ok, err
}

func ReadSummary(baseDir, runID string) (Summary, bool, error) {
	var summary Summary
	ok, err := readJSON(filepath.Join(baseDir, runID, summaryFile), &summary)
	return summary, ok, err
}

// WriteTrialsTable writes one row per trial with a column per parameter.
func WriteTrialsTable(runDir string, trials []model.TrialRecord) error {
	file, err := os.Create(filepath.Join(runDir, trialsTableFile))
	if err != nil {
		return err
	}
	defer file.Close()

	names := paramNames(trials)
	writer := csv.NewWriter(file)
	header := append([]string{"number", "state", "value"}, names...)
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, trial := range trials {
		row := []string{strconv.Itoa(trial.Number), string(trial.State), ""}
		if trial.Value != nil {
			row[2] = formatFloat(*trial.Value)
		}
		for _, name := range names {
			v, ok := trial.Params[name]
			if !ok {
				row = append(row, "")
				continue
			}
			row = append(row, formatFloat(v))
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func WriteLossSeries(runDir string, history []LossPoint) error {
	file, err := os.Create(filepath.Join(runDir, lossSeriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "train_loss", "holdout_loss"}); err != nil {
		return err
	}
	for _, point := range history {
		holdout := ""
		if point.HoldoutLoss != nil {
			holdout = formatFloat(*point.HoldoutLoss)
		}
		if err := writer.Write([]string{
			strconv.Itoa(point.Epoch),
			formatFloat(point.TrainLoss),
			holdout,
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossSeries(baseDir, runID string) ([]LossPoint, bool, error) {
	path := filepath.Join(baseDir, runID, lossSeriesFile)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []LossPoint{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 3 {
		return nil, false, fmt.Errorf("loss series header must have 3 columns")
	}

	series := make([]LossPoint, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 3 {
			return nil, false, fmt.Errorf("loss series row must have 3 columns")
		}
		epoch, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, false, err
		}
		train, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		point := LossPoint{Epoch: epoch, TrainLoss: train}
		if record[2] != "" {
			holdout, err := strconv.ParseFloat(record[2], 64)
			if err != nil {
				return nil, false, err
			}
			point.HoldoutLoss = &holdout
		}
		series = append(series, point)
	}
	return series, true, nil
}

func paramNames(trials []model.TrialRecord) []string {
	seen := make(map[string]struct{})
	for _, trial := range trials {
		for name := range trial.Params {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

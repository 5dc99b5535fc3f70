package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"evotune/internal/config"
	"evotune/internal/model"
	"evotune/internal/seqio"
	"evotune/internal/storage"
	"evotune/internal/tuning"
	"evotune/internal/vocab"
	"evotune/pkg/evotune"
)

type corpusFlags struct {
	sequences string
	format    string
}

func (f *corpusFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sequences, "sequences", "s", "", "FASTA or one-per-line corpus (.gz accepted)")
	cmd.Flags().StringVar(&f.format, "format", "auto", "corpus format: auto|fasta|lines")
	_ = cmd.MarkFlagRequired("sequences")
}

func (f *corpusFlags) load(path string) ([]string, error) {
	format, err := seqio.ParseFormat(f.format)
	if err != nil {
		return nil, err
	}
	return seqio.LoadSequences(path, format, vocab.Default())
}

func newFitCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		corpus        corpusFlags
		holdout       string
		epochs        int
		stepSize      float64
		project       string
		stepsPerPrint int
		divergence    string
		paramsOut     string
	)
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Train the model on a corpus for a fixed number of epochs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := corpus.load(corpus.sequences)
			if err != nil {
				return err
			}
			held, err := corpus.load(holdout)
			if err != nil {
				return err
			}
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			started := time.Now()
			res, err := s.client.Fit(cmd.Context(), evotune.FitRequest{
				Sequences:     seqs,
				Holdout:       held,
				Epochs:        epochs,
				StepSize:      stepSize,
				Project:       project,
				StepsPerPrint: stepsPerPrint,
				Divergence:    divergence,
				SequencesPath: corpus.sequences,
			})
			if err != nil {
				return err
			}
			if paramsOut != "" {
				if err := writeParams(paramsOut, project, epochs, res.Params); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "run_id=%s sequences=%s epochs=%d elapsed=%s\n",
				res.RunID, humanize.Comma(int64(len(seqs))), epochs, time.Since(started).Round(time.Millisecond))
			if n := len(res.LossHistory); n > 0 {
				last := res.LossHistory[n-1]
				fmt.Fprintf(out, "final train_loss=%.6f", last.TrainLoss)
				if last.HoldoutLoss != nil {
					fmt.Fprintf(out, " holdout_loss=%.6f", *last.HoldoutLoss)
				}
				fmt.Fprintln(out)
			}
			if res.ArtifactsDir != "" {
				fmt.Fprintf(out, "artifacts=%s\n", res.ArtifactsDir)
			}
			return nil
		},
	}
	corpus.register(cmd)
	f := cmd.Flags()
	f.StringVar(&holdout, "holdout", "", "held-out corpus evaluated at each report")
	f.IntVar(&epochs, "epochs", 1, "training epochs")
	f.Float64Var(&stepSize, "step-size", 0, "learning rate (default from config)")
	f.StringVar(&project, "project", "", "checkpoint project name (default temp)")
	f.IntVar(&stepsPerPrint, "steps-per-print", 0, "report interval in epochs; negative disables")
	f.StringVar(&divergence, "divergence", "", "non-finite loss policy: ignore|abort|prune")
	f.StringVar(&paramsOut, "params-out", "", "write the final parameters to this file")
	return cmd
}

func newObjectiveCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		corpus       corpusFlags
		epochs       int
		learningRate float64
		folds        int
	)
	cmd := &cobra.Command{
		Use:   "objective",
		Short: "Score fixed hyperparameters by k-fold cross-validation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := corpus.load(corpus.sequences)
			if err != nil {
				return err
			}
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			res, err := s.client.Objective(cmd.Context(), evotune.ObjectiveRequest{
				Sequences:    seqs,
				Epochs:       epochs,
				LearningRate: learningRate,
				Folds:        folds,
			})
			if err != nil {
				return err
			}
			for i, loss := range res.FoldLosses {
				fmt.Fprintf(out, "fold=%d loss=%.6f\n", i, loss)
			}
			fmt.Fprintf(out, "value=%.6f\n", res.Value)
			return nil
		},
	}
	corpus.register(cmd)
	f := cmd.Flags()
	f.IntVar(&epochs, "epochs", 1, "epochs per fold")
	f.Float64Var(&learningRate, "learning-rate", 1e-3, "learning rate per fold")
	f.IntVar(&folds, "folds", 0, "cross-validation folds (default from config)")
	return cmd
}

func newEvotuneCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		corpus        corpusFlags
		outDomain     string
		project       string
		study         string
		trials        int
		folds         int
		workers       int
		sampler       string
		candidate     string
		epochsLow     float64
		epochsHigh    float64
		lrLow         float64
		lrHigh        float64
		stepsPerPrint int
		divergence    string
		paramsOut     string
	)
	cmd := &cobra.Command{
		Use:   "evotune",
		Short: "Search epochs and learning rate, then fit with the best trial",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seqs, err := corpus.load(corpus.sequences)
			if err != nil {
				return err
			}
			outSeqs, err := corpus.load(outDomain)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			s, err := g.open(cmd, func(cfg *config.Config) {
				if flags.Changed("workers") {
					cfg.Search.Workers = workers
				}
				if flags.Changed("sampler") {
					cfg.Search.Sampler = sampler
				}
				if flags.Changed("candidate") {
					cfg.Search.ExoselfCandidate = candidate
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			req := evotune.EvotuneRequest{
				Sequences:     seqs,
				OutDomain:     outSeqs,
				Project:       project,
				Study:         study,
				Trials:        trials,
				Folds:         folds,
				StepsPerPrint: stepsPerPrint,
				Divergence:    divergence,
				SequencesPath: corpus.sequences,
			}
			if flags.Changed("epochs-low") || flags.Changed("epochs-high") {
				req.Epochs = &tuning.Range{Low: epochsLow, High: epochsHigh}
			}
			if flags.Changed("lr-low") || flags.Changed("lr-high") {
				req.LearningRate = &tuning.Range{Low: lrLow, High: lrHigh}
			}

			started := time.Now()
			res, err := s.client.Evotune(cmd.Context(), req)
			if err != nil {
				return err
			}
			if paramsOut != "" {
				if err := writeParams(paramsOut, project, res.Epochs, res.Params); err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "run_id=%s study=%s trials=%d elapsed=%s\n",
				res.RunID, res.Study.Name, len(res.Study.Trials), time.Since(started).Round(time.Millisecond))
			if best, ok := res.Study.Best(); ok {
				fmt.Fprintf(out, "best trial=%d value=%.6f\n", best.Number, *best.Value)
			}
			fmt.Fprintf(out, "n_epochs=%d learning_rate=%.6g\n", res.Epochs, res.LearningRate)
			return nil
		},
	}
	corpus.register(cmd)
	f := cmd.Flags()
	f.StringVar(&outDomain, "out-domain", "", "corpus evaluated as holdout of the final fit")
	f.StringVar(&project, "project", "", "checkpoint project name (default temp)")
	f.StringVar(&study, "study", "", "study name to create or resume")
	f.IntVar(&trials, "trials", 0, "total trials (default from config)")
	f.IntVar(&folds, "folds", 0, "cross-validation folds (default from config)")
	f.IntVar(&workers, "workers", 1, "folds trained in parallel")
	f.StringVar(&sampler, "sampler", "random", "trial sampler: random|exoself")
	f.StringVar(&candidate, "candidate", "best_so_far", "exoself base trial: best_so_far|original|dynamic_random|recent|all_random")
	f.Float64Var(&epochsLow, "epochs-low", 0, "lowest epoch count searched")
	f.Float64Var(&epochsHigh, "epochs-high", 0, "highest epoch count searched (default 3x corpus size)")
	f.Float64Var(&lrLow, "lr-low", 0, "lowest learning rate searched")
	f.Float64Var(&lrHigh, "lr-high", 0, "highest learning rate searched")
	f.IntVar(&stepsPerPrint, "steps-per-print", 0, "final fit report interval; negative disables")
	f.StringVar(&divergence, "divergence", "", "non-finite loss policy: ignore|abort|prune")
	f.StringVar(&paramsOut, "params-out", "", "write the tuned parameters to this file")
	return cmd
}

func newStudiesCommand(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "studies",
		Short: "List stored studies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			items, err := s.client.Studies(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSAMPLER\tTRIALS\tCOMPLETE\tBEST")
			for _, item := range items {
				best := "-"
				if item.BestValue != nil {
					best = fmt.Sprintf("#%d %.6f", *item.BestTrial, *item.BestValue)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", item.Name, item.Sampler, item.Trials, item.Completed, best)
			}
			return tw.Flush()
		},
	}
}

func newTrialsCommand(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "trials STUDY",
		Short: "Show the trials of one study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			rec, err := s.client.Study(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			writeTrials(out, rec.Trials)
			return nil
		},
	}
}

func writeTrials(out io.Writer, trials []model.TrialRecord) {
	names := make([]string, 0)
	seen := map[string]bool{}
	for _, trial := range trials {
		for name := range trial.Params {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "NUMBER\tSTATE\tVALUE\t%s\tDURATION\n", strings.ToUpper(strings.Join(names, "\t")))
	for _, trial := range trials {
		value := "-"
		if trial.Value != nil {
			value = fmt.Sprintf("%.6f", *trial.Value)
		}
		cols := make([]string, len(names))
		for i, name := range names {
			if v, ok := trial.Params[name]; ok {
				cols[i] = fmt.Sprintf("%.6g", v)
			}
		}
		duration := "-"
		if !trial.FinishedAt.IsZero() {
			duration = trial.FinishedAt.Sub(trial.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", trial.Number, trial.State, value, strings.Join(cols, "\t"), duration)
	}
	_ = tw.Flush()
}

func newCheckpointsCommand(g *globalFlags, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints PROJECT",
		Short: "List saved checkpoint epochs of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			epochs, err := s.client.Checkpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(epochs) == 0 {
				return fmt.Errorf("no checkpoints for project %s", args[0])
			}
			for _, epoch := range epochs {
				fmt.Fprintf(out, "%s epoch=%d\n", args[0], epoch)
			}
			return nil
		},
	}
}

func newRunsCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			items, err := s.client.Runs(cmd.Context(), evotune.RunsRequest{Limit: limit})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCOMMAND\tPROJECT\tSEQUENCES\tTRIALS\tBEST\tFINAL_LOSS\tCREATED")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					item.RunID,
					item.Command,
					item.Project,
					humanize.Comma(int64(item.Sequences)),
					item.Trials,
					optionalFloat(item.BestValue),
					optionalFloat(item.FinalLoss),
					createdAgo(item.CreatedAtUTC),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs listed")
	return cmd
}

func newExportCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var (
		runID  string
		latest bool
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd, nil)
			if err != nil {
				return err
			}
			defer func() { _ = s.close(cmd.Context()) }()

			res, err := s.client.Export(cmd.Context(), evotune.ExportRequest{RunID: runID, Latest: latest, OutDir: outDir})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "exported run_id=%s dir=%s\n", res.RunID, res.Directory)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run-id", "", "run to export")
	f.BoolVar(&latest, "latest", false, "export the newest run")
	f.StringVar(&outDir, "out", "", "export directory (default exports)")
	return cmd
}

func writeParams(path, project string, epoch int, params model.Params) error {
	if params == nil {
		return errors.New("no parameters to write")
	}
	data, err := storage.EncodeCheckpoint(model.CheckpointRecord{
		Project:   project,
		Epoch:     epoch,
		CreatedAt: time.Now().UTC(),
		Params:    params.Record(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func optionalFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6f", *v)
}

func createdAgo(stamp string) string {
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return humanize.Time(at)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"evotune/internal/config"
	"evotune/internal/logging"
	"evotune/internal/metrics"
	"evotune/internal/telemetry"
	"evotune/pkg/evotune"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand and override the config file.
type globalFlags struct {
	configPath   string
	storeKind    string
	dbPath       string
	checkpoints  string
	weightsDir   string
	artifactsDir string
	logLevel     string
	logFormat    string
	metricsAddr  string
	trace        string
	seed         uint64
}

func run(ctx context.Context, args []string, out io.Writer) error {
	root := newRootCommand(out)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "evotunectl",
		Short:         "Evolutionary tuning of a protein sequence model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&g.storeKind, "store", "", "store backend: memory|sqlite|badger")
	pf.StringVar(&g.dbPath, "db-path", "", "sqlite file or badger directory")
	pf.StringVar(&g.checkpoints, "checkpoint-dir", "", "write checkpoints under this directory")
	pf.StringVar(&g.weightsDir, "weights-dir", "", "pretrained checkpoint directory")
	pf.StringVar(&g.artifactsDir, "artifacts-dir", "", "run artifact directory")
	pf.StringVar(&g.logLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "", "auto|text|json")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on host:port")
	pf.StringVar(&g.trace, "trace", "", "trace exporter: none|stdout")
	pf.Uint64Var(&g.seed, "seed", 0, "model and search seed")

	root.AddCommand(
		newFitCommand(g, out),
		newObjectiveCommand(g, out),
		newEvotuneCommand(g, out),
		newStudiesCommand(g, out),
		newTrialsCommand(g, out),
		newCheckpointsCommand(g, out),
		newRunsCommand(g, out),
		newExportCommand(g, out),
	)
	return root
}

func (g *globalFlags) load(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("store", &cfg.Storage.Kind, g.storeKind)
	set("db-path", &cfg.Storage.Path, g.dbPath)
	set("weights-dir", &cfg.Model.WeightsDir, g.weightsDir)
	set("artifacts-dir", &cfg.Artifacts.Dir, g.artifactsDir)
	set("log-level", &cfg.Logging.Level, g.logLevel)
	set("log-format", &cfg.Logging.Format, g.logFormat)
	set("metrics-addr", &cfg.Metrics.Addr, g.metricsAddr)
	set("trace", &cfg.Tracing.Exporter, g.trace)
	if flags.Changed("checkpoint-dir") {
		cfg.Checkpoints.Kind = "dir"
		cfg.Checkpoints.Dir = g.checkpoints
	}
	if flags.Changed("seed") {
		cfg.Model.Seed = g.seed
		cfg.Search.Seed = g.seed
	}
	return cfg, cfg.Validate()
}

// session is one configured client plus the ambient services around it.
type session struct {
	client   *evotune.Client
	logger   *slog.Logger
	shutdown []func(context.Context) error
}

func (g *globalFlags) open(cmd *cobra.Command, tweak func(*config.Config)) (*session, error) {
	cfg, err := g.load(cmd)
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(&cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	ctx := cmd.Context()
	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Output:  cmd.ErrOrStderr(),
		Service: "evotunectl",
	})
	if err != nil {
		return nil, err
	}
	s := &session{logger: logger}

	traceShutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "evotunectl",
		ServiceVersion: version,
		Exporter:       cfg.Tracing.Exporter,
		Output:         cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	s.shutdown = append(s.shutdown, traceShutdown)

	opts := evotune.Options{Config: &cfg, Logger: logger}
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg
		serveCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- metrics.Serve(serveCtx, cfg.Metrics.Addr, reg) }()
		s.shutdown = append(s.shutdown, func(context.Context) error {
			cancel()
			return <-done
		})
		logger.Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	s.client, err = evotune.New(ctx, opts)
	if err != nil {
		_ = s.close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *session) close(ctx context.Context) error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	for i := len(s.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, s.shutdown[i](context.WithoutCancel(ctx)))
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/agent"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/config"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/dlq"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/emitter"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/health"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/metrics"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/output"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/parser"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/scanner"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/server"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/state"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/tracing"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/watcher"
)

const (
	shutdownTimeout       = 30 * time.Second
	systemMetricsInterval = 15 * time.Second
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process the watched directory",
		Long: `Run cycles over the watched directory. With --once a single cycle runs
and the process exits; otherwise cycles repeat every poll interval until
SIGINT or SIGTERM.`,
		RunE: runAgent,
	}

	f := cmd.Flags()
	f.Bool("once", false, "run a single cycle and exit")
	f.Duration("poll-interval", 0, "wait between cycles in continuous mode")
	f.Bool("watch", false, "also start a cycle when the directory changes")
	f.String("pattern", "", "file name pattern (overrides CSV_PATTERN)")
	f.String("sourcetype", "", "event sourcetype (overrides CSV_SOURCETYPE)")
	f.String("index", "", "event index (overrides CSV_INDEX)")
	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return startupError(err)
	}

	logger := logging.New(cfg.LoggerConfig())
	logger.Info().
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Str("state_dir", cfg.StateDir).
		Str("run_mode", cfg.RunMode).
		Str("output", cfg.Output.Type).
		Msg("Starting csvagent")

	if err := cfg.CheckDirectories(); err != nil {
		return startupError(err)
	}

	lock, err := state.AcquireLock(cfg.StateDir)
	if err != nil {
		return startupError(err)
	}

	sd := shutdown.New(shutdown.Config{Timeout: shutdownTimeout, Logger: logger})
	sd.RegisterFunc("lock", func(context.Context) error { return lock.Release() })
	defer sd.Cleanup()

	stopSignals := sd.ListenForSignals()
	defer stopSignals()

	ctx, cancel := sd.Context(cmd.Context())
	defer cancel()

	a, collector, err := buildAgent(ctx, cfg, sd, logger)
	if err != nil {
		return startupError(err)
	}

	if err := a.LoadState(); err != nil {
		return startupError(err)
	}

	if cfg.RunMode == config.RunModeOnce {
		if _, err := a.RunOnce(ctx); err != nil {
			return &exitError{code: exitCycleError, err: fmt.Errorf("cycle failed: %w", err)}
		}
		return nil
	}

	collector.Start(systemMetricsInterval)
	sd.RegisterFunc("metrics", func(context.Context) error {
		collector.Stop()
		return nil
	})

	if err := startServer(cfg, a, collector, sd, logger); err != nil {
		return startupError(err)
	}

	return a.Run(ctx)
}

// buildAgent creates every collaborator of the scheduler and registers
// their cleanup with sd
func buildAgent(ctx context.Context, cfg *config.Config, sd *shutdown.Manager, logger *logging.Logger) (*agent.Agent, *metrics.Collector, error) {
	tcfg := tracing.Config{}
	if cfg.Tracing != nil {
		tcfg = *cfg.Tracing
	}
	tp, err := tracing.NewProvider(ctx, tcfg, version)
	if err != nil {
		return nil, nil, err
	}
	sd.RegisterFunc("tracing", tp.Shutdown)

	collector := metrics.NewCollector()
	var extractor *metrics.Extractor
	if cfg.Metrics != nil && len(cfg.Metrics.Columns) > 0 {
		extractor, err = metrics.NewExtractor(cfg.Metrics.Columns, collector.Registry())
		if err != nil {
			return nil, nil, fmt.Errorf("column metrics: %w", err)
		}
	}

	store, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		return nil, nil, err
	}

	sc, err := scanner.New(cfg.ScannerConfig(), logger)
	if err != nil {
		return nil, nil, err
	}

	proc, err := parser.New(cfg.ParserConfig(), logger)
	if err != nil {
		return nil, nil, err
	}

	out, err := output.New(ctx, cfg.Output, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output: %w", err)
	}
	sd.RegisterFunc("output", func(context.Context) error { return out.Close() })

	err = collector.RegisterSink(out.Name(), func() (int64, int64, int64) {
		m := out.Metrics()
		return m.EventsSent, m.EventsFailed, m.RetryCount
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register sink metrics: %w", err)
	}

	em, err := emitter.New(cfg.EmitterConfig(), out, logger)
	if err != nil {
		return nil, nil, err
	}

	comps := agent.Components{
		Store:     store,
		Scanner:   sc,
		Processor: proc,
		Emitter:   em,
		Metrics:   collector,
		Extractor: extractor,
		Tracer:    tp,
	}

	if dc, ok := cfg.DLQConfig(); ok {
		rejects, err := dlq.NewDeadLetterQueue(dc)
		if err != nil {
			return nil, nil, err
		}
		sd.RegisterFunc("dead_letter", func(context.Context) error { return rejects.Close() })
		comps.Rejects = rejects
		logger.Info().Str("path", rejects.Path()).Msg("Rejected rows are recorded")
	}

	if cfg.RunMode == config.RunModeContinuous && cfg.Watch {
		w, err := watcher.New(watcher.Config{Dir: cfg.DataDir, Recursive: cfg.Input.Recursive}, logger)
		if err != nil {
			return nil, nil, err
		}
		w.Start()
		sd.RegisterFunc("watcher", func(context.Context) error { return w.Stop() })
		comps.Wake = w.Wake()
	}

	a, err := agent.New(agent.Config{
		PollInterval: cfg.PollInterval,
		MissingGrace: cfg.MissingGrace,
	}, comps, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, collector, nil
}

// startServer exposes metrics and health endpoints when configured
func startServer(cfg *config.Config, a *agent.Agent, collector *metrics.Collector, sd *shutdown.Manager, logger *logging.Logger) error {
	scfg := server.Config{Logger: logger}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		scfg.MetricsAddress = cfg.Metrics.Address
		scfg.MetricsPath = cfg.Metrics.Path
		scfg.MetricsRegistry = collector.Registry()
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		checker := health.NewChecker(5 * time.Second)
		checker.Register("cycle", health.CycleFreshness(a.LastSuccess, time.Now(), 3*cfg.PollInterval, nil))
		checker.Register("watched_dir", health.DirectoryReadable(cfg.DataDir))
		checker.Register("last_cycle", health.CheckWithMetadata(func() (health.Status, string, map[string]interface{}) {
			last := a.LastCycle()
			meta := map[string]interface{}{
				"id":           last.ID,
				"files":        len(last.Files),
				"rows_emitted": last.RowsEmitted,
				"rows_skipped": last.RowsSkipped,
			}
			if last.Aborted {
				return health.StatusDegraded, "last cycle aborted by a sink error", meta
			}
			return health.StatusHealthy, "", meta
		}))
		scfg.HealthAddress = cfg.Health.Address
		scfg.HealthChecker = checker
		scfg.Pprof = cfg.Health.Pprof
	}

	if scfg.MetricsAddress == "" && scfg.HealthAddress == "" {
		return nil
	}

	srv := server.New(scfg)
	if err := srv.Start(); err != nil {
		return err
	}
	sd.RegisterFunc("server", srv.Stop)
	return nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/warden/internal/backup"
	"github.com/psantana5/warden/internal/cgroups"
	"github.com/psantana5/warden/internal/classify"
	"github.com/psantana5/warden/internal/config"
	"github.com/psantana5/warden/internal/discover"
	"github.com/psantana5/warden/internal/heal"
	"github.com/psantana5/warden/internal/oracle"
	"github.com/psantana5/warden/internal/report"
	"github.com/psantana5/warden/internal/supervisor"
	"github.com/psantana5/warden/internal/wrapper"
	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/retry"
	"github.com/psantana5/warden/pkg/shutdown"
	"github.com/psantana5/warden/pkg/store"
	"github.com/psantana5/warden/pkg/tracing"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

const shutdownTimeout = 10 * time.Second

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"artifact":         "worker.artifact",
	"workdir":          "worker.dir",
	"io-mode":          "worker.io_mode",
	"staging":          "worker.staging",
	"restart-code":     "worker.restart_exit_code",
	"memory-limit":     "worker.limits.memory_mb",
	"cpu-quota":        "worker.limits.cpu_percent",
	"cpu-weight":       "worker.limits.cpu_weight",
	"state-dir":        "paths.state_dir",
	"backup":           "paths.backup",
	"failure-log":      "paths.failure_log",
	"manifest":         "paths.manifest",
	"threshold":        "supervisor.crash_threshold",
	"crash-backoff":    "supervisor.crash_backoff",
	"heal-backoff":     "supervisor.heal_backoff",
	"kill-grace":       "supervisor.kill_grace",
	"signatures":       "classifier.signatures_file",
	"provider":         "oracle.provider",
	"model":            "oracle.model",
	"oracle-timeout":   "oracle.timeout",
	"install-cmd":      "installer.command",
	"dedupe":           "manifest.dedupe",
	"history":          "history.enabled",
	"history-driver":   "history.driver",
	"history-dsn":      "history.dsn",
	"metrics-listen":   "metrics.listen",
	"metrics-textfile": "metrics.textfile",
	"tracing":          "tracing.enabled",
	"otlp-endpoint":    "tracing.endpoint",
	"log-level":        "log.level",
	"log-json":         "log.json",
	"log-file":         "log.file",
}

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the warden command.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "warden [flags] [-- command args...]",
		Short: "Self-healing worker supervisor",
		Long: `warden launches a worker program and keeps it running.

Crashes are counted. A crash caused by a missing dependency is repaired by
asking an LLM oracle for the package name, appending it to the manifest and
running the install command. When the worker keeps crashing past the
threshold, the artifact is restored from its backup.

Example:
  warden --artifact bot.py -- python3 bot.py
  warden --config warden.yaml
  warden --threshold 5 --metrics-listen :9464 -- node server.js`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile, args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./warden.yaml)")

	flags.String("artifact", "worker.py", "worker artifact that is backed up and restored")
	flags.String("workdir", "", "working directory for the worker")
	flags.String("io-mode", config.IOCaptured, "worker stderr handling: captured or passthrough")
	flags.String("staging", "", "candidate path promoted at the next launch (default <artifact>.next)")
	flags.Int("restart-code", 1, "exit code a worker uses to request a restart")
	flags.Int64("memory-limit", 0, "worker memory limit in MB (0=unlimited)")
	flags.Int("cpu-quota", 0, "worker CPU quota percentage (100=1 core, 0=unlimited)")
	flags.Int("cpu-weight", 0, "worker CPU weight for proportional sharing (1-10000, 0=default)")
	flags.String("state-dir", ".warden", "directory for the lock, failure log and history")
	flags.String("backup", "", "backup path (default <artifact>.bak)")
	flags.String("failure-log", "", "captured stderr path (default <state-dir>/crash.log)")
	flags.String("manifest", "requirements.txt", "dependency manifest patched by self-heal")
	flags.Int("threshold", 3, "consecutive crashes tolerated before rollback")
	flags.Duration("crash-backoff", 3*time.Second, "delay before restarting after a crash")
	flags.Duration("heal-backoff", time.Second, "delay before restarting after a successful self-heal")
	flags.Duration("kill-grace", 0, "SIGTERM to SIGKILL delay when stopping the worker")
	flags.String("signatures", "", "YAML file with extra dependency-missing signatures")
	flags.String("provider", "gemini", "oracle provider: gemini or openai")
	flags.String("model", "", "oracle model (provider default when empty)")
	flags.Duration("oracle-timeout", 20*time.Second, "upper bound on one oracle consultation")
	flags.String("install-cmd", "pip install -r {manifest}", "command that applies the manifest")
	flags.Bool("dedupe", false, "skip manifest entries that are already present")
	flags.Bool("history", true, "record supervisor events in the history ledger")
	flags.String("history-driver", "sqlite", "history ledger driver: sqlite, postgres or memory")
	flags.String("history-dsn", "", "history ledger DSN (default <state-dir>/history.db)")
	flags.String("metrics-listen", "", "address for /metrics, /healthz and /status (disabled when empty)")
	flags.String("metrics-textfile", "", "write metrics here on exit for the node-exporter textfile collector")
	flags.Bool("tracing", false, "export OpenTelemetry traces")
	flags.String("otlp-endpoint", "localhost:4318", "OTLP HTTP collector host:port")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "log in JSON")
	flags.String("log-file", "", "also append logs to this file")

	return root
}

// loadConfig layers defaults, config file, WARDEN_* environment, flags and
// the trailing worker command.
func loadConfig(cmd *cobra.Command, cfgFile string, args []string) (*config.Config, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		v.Set("worker.command", args[0])
		v.Set("worker.args", args[1:])
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// run wires every component and supervises the worker until it exits, the
// process is signalled or a fatal condition occurs.
func run(parent context.Context, cfg *config.Config, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}

	logger, err := logging.NewFileLogger("warden", cfg.Log.File, logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if err != nil {
		return err
	}
	logger.SetOutput(stderr)
	defer logger.Close()

	apiKey, err := cfg.ResolveCredential()
	if err != nil {
		logger.Error("oracle credential missing", logging.Fields{"provider": cfg.Oracle.Provider})
		return err
	}

	mgr := shutdown.New(shutdownTimeout, logger)
	ctx, stop := mgr.Context(parent)
	defer stop()

	runID := uuid.NewString()
	logger = logger.WithField("run_id", runID)

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Version:     Version,
		Environment: cfg.Tracing.Environment,
		RunID:       runID,
		Worker:      append([]string{cfg.Worker.Command}, cfg.WorkerArgs()...),
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	mgr.Register("tracer", tracer.Shutdown)

	history := openHistory(ctx, cfg, logger)
	mgr.Register("history", shutdown.CloseResource(history))

	classifier, err := classify.FromFile(cfg.Classifier.SignaturesFile)
	if err != nil {
		return err
	}

	httpOracle, err := oracle.NewHTTP(oracle.Config{
		Provider: cfg.Oracle.Provider,
		APIKey:   apiKey,
		Model:    cfg.Oracle.Model,
		BaseURL:  cfg.Oracle.BaseURL,
	}, &http.Client{Timeout: cfg.Oracle.Timeout}, tracer, logger.WithField("component", "oracle"))
	if err != nil {
		return err
	}
	suggester := oracle.WithTimeout(oracle.WithRateLimit(httpOracle, cfg.Oracle.MaxPerMinute, logger), cfg.Oracle.Timeout)

	installer := heal.NewCommandInstaller(cfg.Installer.Command, cfg.Installer.Timeout)
	installer.Dir = cfg.Worker.Dir
	installer.Output = stderr

	healer := &heal.Healer{
		Oracle:       suggester,
		Manifest:     &heal.Manifest{Path: cfg.Paths.Manifest, Dedupe: cfg.Manifest.Dedupe},
		Installer:    installer,
		ExcerptChars: cfg.Oracle.ExcerptChars,
		Tracer:       tracer,
		Logger:       logger.WithField("component", "heal"),
	}

	backups := backup.New(cfg.Worker.Artifact, cfg.Paths.Backup, cfg.Worker.Staging)
	metrics := report.NewMetrics()

	var orphans *discover.Reaper
	if cfg.Paths.StateDir != "" {
		orphans = &discover.Reaper{
			File:   discover.NewPIDFile(cfg.Paths.StateDir),
			Grace:  cfg.Supervisor.KillGrace,
			Logger: logger.WithField("component", "discover"),
		}
	}

	sup, err := supervisor.New(supervisor.Deps{
		Launcher: &supervisor.ProcessLauncher{Spec: wrapper.Spec{
			Command:   cfg.Worker.Command,
			Args:      cfg.WorkerArgs(),
			Dir:       cfg.Worker.Dir,
			Mode:      cfg.Worker.IOMode,
			LogPath:   cfg.Paths.FailureLog,
			LogLimit:  cfg.Supervisor.FailureLogLimit,
			KillGrace: cfg.Supervisor.KillGrace,
		},
			Cgroups: cgroups.New("warden"),
			Limits: cgroups.Limits{
				MemoryMB:   cfg.Worker.Limits.MemoryMB,
				CPUPercent: cfg.Worker.Limits.CPUPercent,
				CPUWeight:  cfg.Worker.Limits.CPUWeight,
			},
			Orphans: orphans,
			RunID:   runID,
			Logger:  logger.WithField("component", "launcher"),
		},
		Backups:    backups,
		Watcher:    backups,
		Classifier: classifier,
		Healer:     healer,
		Store:      history,
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	}, supervisor.Options{
		RunID:           runID,
		Artifact:        cfg.Worker.Artifact,
		Backup:          cfg.Paths.Backup,
		Manifest:        cfg.Paths.Manifest,
		StateDir:        cfg.Paths.StateDir,
		RestartExitCode: cfg.Worker.RestartExitCode,
		CrashThreshold:  cfg.Supervisor.CrashThreshold,
		CrashBackoff: retry.Backoff{
			Initial:    cfg.Supervisor.CrashBackoff,
			Max:        cfg.Supervisor.MaxBackoff,
			Multiplier: cfg.Supervisor.BackoffMultiplier,
		},
		HealBackoff: cfg.Supervisor.HealBackoff,
		StagingPoll: time.Second,
	})
	if err != nil {
		return err
	}

	if cfg.Metrics.Textfile != "" {
		mgr.Register("metrics textfile", func(context.Context) error {
			return metrics.WriteTextfile(cfg.Metrics.Textfile)
		})
	}
	if cfg.Metrics.Listen != "" {
		srv := supervisor.NewStatusServer(cfg.Metrics.Listen, sup)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", logging.Fields{"addr": cfg.Metrics.Listen, "error": err.Error()})
			}
		}()
		mgr.Register("status server", shutdown.StopHTTPServer(srv))
		logger.Info("status server listening", logging.Fields{"addr": cfg.Metrics.Listen})
	}

	logger.Info("supervisor starting", logging.Fields{
		"run_id":    sup.RunID(),
		"command":   cfg.Worker.Command,
		"artifact":  cfg.Worker.Artifact,
		"threshold": cfg.Supervisor.CrashThreshold,
		"io_mode":   cfg.Worker.IOMode,
	})

	runErr := sup.Run(ctx)
	stop()

	if err := sup.Summary().Render(stderr); err != nil {
		logger.Warn("failed to render run summary", logging.Fields{"error": err.Error()})
	}
	if err := mgr.Shutdown(); err != nil {
		logger.Warn("shutdown completed with errors", logging.Fields{"error": err.Error()})
	}
	return runErr
}

// openHistory opens the configured ledger, falling back to memory so a
// broken database never stops supervision.
func openHistory(ctx context.Context, cfg *config.Config, logger *logging.Logger) store.Store {
	if !cfg.History.Enabled {
		return store.NewMemoryStore()
	}
	connect := retry.DefaultConfig()
	connect.MaxRetries = 2
	st, err := store.NewStore(ctx, store.Config{
		Type:    cfg.History.Driver,
		DSN:     cfg.History.DSN,
		Connect: connect,
	})
	if err != nil {
		logger.Warn("history ledger unavailable, keeping events in memory", logging.Fields{
			"driver": cfg.History.Driver,
			"error":  err.Error(),
		})
		return store.NewMemoryStore()
	}
	pruneHistory(ctx, st, cfg.History.Retention, logger)
	return st
}

// pruneHistory drops events older than retention.
func pruneHistory(ctx context.Context, st store.Store, retention time.Duration, logger *logging.Logger) {
	if retention <= 0 {
		return
	}
	n, err := st.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		logger.Warn("failed to prune history", logging.Fields{"error": err.Error()})
		return
	}
	if n > 0 {
		logger.Info("pruned history", logging.Fields{"events": n, "retention": retention.String()})
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sandboxrunner/taskscheduler/pkg/api"
	"github.com/sandboxrunner/taskscheduler/pkg/config"
	"github.com/sandboxrunner/taskscheduler/pkg/handlers"
	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
	"github.com/sandboxrunner/taskscheduler/pkg/storage"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	httpPort   int

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "taskschedulerd",
		Short: "Priority task scheduler daemon",
		Long: `taskschedulerd accepts tasks over HTTP, orders them by priority and
runs them on a process pool (CPU-bound work) or a thread pool (I/O-bound work),
retrying failures with backoff.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		RunE:          runServer,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")
	rootCmd.PersistentFlags().IntVarP(&httpPort, "port", "p", 0, "HTTP server port")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer closer.Close()

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Int("port", cfg.Server.Port).
		Int("process_workers", cfg.Pools.ProcessWorkers).
		Int("thread_workers", cfg.Pools.ThreadWorkers).
		Msg("Starting task scheduler")

	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}

	if err := d.start(ctx); err != nil {
		d.shutdown()
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	d.shutdown()

	logger.Info().Msg("Server shutdown complete")
	return nil
}

// daemon owns every long-lived component and tears them down in reverse
type daemon struct {
	cfg    *config.Config
	logger zerolog.Logger

	tracing   *monitoring.TracingManager
	store     *storage.SQLiteStore
	pools     []runtime.Pool
	scheduler *scheduler.Scheduler
	health    *monitoring.HealthRegistry
	api       *api.RESTAPI

	cleanupDone chan struct{}
	cancel      context.CancelFunc
}

func newDaemon(cfg *config.Config, logger zerolog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}

	tracingCfg := cfg.Tracing
	if tracingCfg.ServiceVersion == "" {
		tracingCfg.ServiceVersion = version
	}
	tm, err := monitoring.NewTracingManager(&tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	d.tracing = tm

	registry := handlers.NewDefaultRegistry()
	deps := scheduler.Deps{
		Validator: handlers.NewValidator(registry),
		Logger:    &logger,
	}

	processPool, err := runtime.NewProcessPool(cfg.ToProcessPoolConfig())
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("process pool unavailable: %w", err)
	}
	deps.ProcessPool = processPool
	d.pools = append(d.pools, processPool)

	threadPool, err := runtime.NewThreadPool(cfg.Pools.ThreadWorkers, registry)
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("thread pool unavailable: %w", err)
	}
	deps.ThreadPool = threadPool
	d.pools = append(d.pools, threadPool)

	var system *monitoring.SystemCollector
	if cfg.Metrics.CollectSystem {
		system = monitoring.NewSystemCollector()
		deps.System = system
	}

	var snapshots *storage.MetricsStore
	var tasks *storage.TaskStore
	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStore(cfg.ToStorageConfig())
		if err != nil {
			d.shutdown()
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		d.store = store
		snapshots = storage.NewMetricsStore(store, cfg.Metrics.SnapshotRetention)
		tasks = storage.NewTaskStore(store)
		deps.Tasks = tasks
		deps.Snapshots = snapshots
	}

	sched, err := scheduler.New(cfg.ToSchedulerConfig(), deps)
	if err != nil {
		d.shutdown()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.scheduler = sched

	d.health = monitoring.NewHealthRegistry(&monitoring.HealthConfig{
		Timeout:             5 * time.Second,
		MaxConcurrentChecks: 4,
		HistorySize:         50,
		Version:             version,
	})
	d.health.RegisterChecker(&monitoring.SchedulerHealthChecker{
		Scheduler:     sched,
		MaxQueueSize:  cfg.Scheduler.MaxQueueSize,
		DegradedRatio: 0.9,
	})
	if d.store != nil {
		d.health.RegisterChecker(&monitoring.DatabaseHealthChecker{
			DB:        d.store,
			Integrity: d.store,
			Tasks:     tasks,
			Critical:  true,
		})
		d.health.RegisterChecker(&monitoring.StorageCircuitChecker{Source: sched})
	}
	if system != nil {
		d.health.RegisterChecker(&monitoring.MemoryHealthChecker{
			Source:   system,
			Warning:  cfg.Metrics.MemoryWarning,
			Critical: cfg.Metrics.MemoryCritical,
		})
	}

	opts := []api.Option{api.WithHealth(d.health), api.WithTracing(tm)}
	if snapshots != nil {
		opts = append(opts, api.WithHistory(snapshots))
	}
	d.api = api.NewRESTAPI(cfg.Server, sched, logger, opts...)
	return d, nil
}

func (d *daemon) start(ctx context.Context) error {
	if err := d.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := d.api.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if d.cfg.Scheduler.CleanupInterval > 0 {
		cleanupCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.cleanupDone = make(chan struct{})
		go d.cleanupLoop(cleanupCtx)
	}
	return nil
}

// cleanupLoop evicts old terminal tasks on a fixed interval
func (d *daemon) cleanupLoop(ctx context.Context) {
	defer close(d.cleanupDone)

	ticker := time.NewTicker(d.cfg.Scheduler.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.tracing.TraceOperation(ctx, "scheduler.cleanup", func(ctx context.Context) error {
				n, err := d.scheduler.Cleanup(ctx, d.cfg.Scheduler.CleanupOlderThan)
				if err != nil {
					d.logger.Warn().Err(err).Int("evicted", n).Msg("Periodic cleanup failed")
				}
				return err
			}, attribute.String("cleanup.older_than", d.cfg.Scheduler.CleanupOlderThan.String()))
		}
	}
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout+d.cfg.Pools.ProcessKillTimeout)
	defer cancel()

	if d.cancel != nil {
		d.cancel()
		<-d.cleanupDone
	}
	if d.api != nil {
		if err := d.api.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			d.logger.Error().Err(err).Msg("Scheduler shutdown error")
		}
	} else {
		// the scheduler owns the pools once it exists
		for _, p := range d.pools {
			p.Close(ctx)
		}
	}
	if d.store != nil {
		m := d.store.GetMetrics()
		d.logger.Info().
			Int64("queries", m.QueryCount).
			Int64("transactions", m.TransactionCount).
			Int64("errors", m.ErrorCount).
			Int64("database_size", m.DatabaseSize).
			Msg("Closing storage")
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close storage")
		}
	}
	if d.tracing != nil {
		if err := d.tracing.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Tracing shutdown error")
		}
	}
}

// setupLogging configures the global logger. File output is rotated by
// lumberjack; the returned closer releases it.
func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.OutputFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		output = rotator
		closer = rotator
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	case "text":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: output, NoColor: true, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	log.Logger = logger
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    runtime.WorkerCommand,
		Short:  "Run one task from stdin (process pool child)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the response frame; logs go to stderr
			log.Logger = zerolog.New(os.Stderr).With().Timestamp().Int("pid", os.Getpid()).Logger()
			zerolog.SetGlobalLevel(zerolog.WarnLevel)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			return runtime.RunWorker(ctx, handlers.NewDefaultRegistry(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "taskschedulerd.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Listen: %s:%d%s\n", cfg.Server.Address, cfg.Server.Port, cfg.Server.BasePath)
			fmt.Fprintf(out, "Queue: max %d\n", cfg.Scheduler.MaxQueueSize)
			fmt.Fprintf(out, "Pools: %d process, %d thread\n", cfg.Pools.ProcessWorkers, cfg.Pools.ThreadWorkers)
			fmt.Fprintf(out, "Retry: %s from %s\n", cfg.Retry.Policy, cfg.Retry.BaseDelay)
			if cfg.Storage.Enabled {
				fmt.Fprintf(out, "Storage: %s\n", cfg.Storage.DatabasePath)
			} else {
				fmt.Fprintf(out, "Storage: disabled\n")
			}
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "taskschedulerd\n")
			fmt.Fprintf(out, "Version: %s\n", version)
			fmt.Fprintf(out, "Commit: %s\n", commit)
			fmt.Fprintf(out, "Built: %s\n", date)
		},
	}
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/taskscheduler/pkg/api"
	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
	"github.com/sandboxrunner/taskscheduler/pkg/storage"
)

// Config represents the task scheduler daemon configuration
type Config struct {
	Server    api.Config               `yaml:"server" mapstructure:"server"`
	Scheduler SchedulerConfig          `yaml:"scheduler" mapstructure:"scheduler"`
	Pools     PoolsConfig              `yaml:"pools" mapstructure:"pools"`
	Retry     RetryConfig              `yaml:"retry" mapstructure:"retry"`
	Storage   StorageConfig            `yaml:"storage" mapstructure:"storage"`
	Logging   LoggingConfig            `yaml:"logging" mapstructure:"logging"`
	Tracing   monitoring.TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics   MetricsConfig            `yaml:"metrics" mapstructure:"metrics"`
}

// SchedulerConfig holds queue and loop settings
type SchedulerConfig struct {
	MaxQueueSize     int           `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	AllowOverflow    bool          `yaml:"allow_overflow" mapstructure:"allow_overflow"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout" mapstructure:"submit_timeout"`
	DefaultLatency   time.Duration `yaml:"default_latency" mapstructure:"default_latency"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	CleanupOlderThan time.Duration `yaml:"cleanup_older_than" mapstructure:"cleanup_older_than"`
	PersistBuffer    int           `yaml:"persist_buffer" mapstructure:"persist_buffer"`
	EventBuffer      int           `yaml:"event_buffer" mapstructure:"event_buffer"`
}

// PoolsConfig sizes the execution pools
type PoolsConfig struct {
	ProcessWorkers     int           `yaml:"process_workers" mapstructure:"process_workers"`
	ThreadWorkers      int           `yaml:"thread_workers" mapstructure:"thread_workers"`
	WorkerCommand      []string      `yaml:"worker_command,omitempty" mapstructure:"worker_command"`
	WorkerEnv          []string      `yaml:"worker_env,omitempty" mapstructure:"worker_env"`
	ProcessKillTimeout time.Duration `yaml:"process_kill_timeout" mapstructure:"process_kill_timeout"`
}

// RetryConfig holds the backoff policy for failed attempts
type RetryConfig struct {
	Policy      string        `yaml:"policy" mapstructure:"policy"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      bool          `yaml:"jitter" mapstructure:"jitter"`
	JitterRange float64       `yaml:"jitter_range" mapstructure:"jitter_range"`
}

// StorageConfig holds sqlite persistence settings
type StorageConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	DatabasePath    string        `yaml:"database_path" mapstructure:"database_path"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// writes are skipped for BreakerOpenTimeout after BreakerFailures
	// consecutive failures
	BreakerFailures    int64         `yaml:"breaker_failures" mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `yaml:"breaker_open_timeout" mapstructure:"breaker_open_timeout"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// MetricsConfig holds aggregation and snapshot settings
type MetricsConfig struct {
	ThroughputWindow  time.Duration `yaml:"throughput_window" mapstructure:"throughput_window"`
	LatencySamples    int           `yaml:"latency_samples" mapstructure:"latency_samples"`
	SampleBuffer      int           `yaml:"sample_buffer" mapstructure:"sample_buffer"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval" mapstructure:"snapshot_interval"`
	SnapshotRetention time.Duration `yaml:"snapshot_retention" mapstructure:"snapshot_retention"`
	CollectSystem     bool          `yaml:"collect_system" mapstructure:"collect_system"`
	MemoryWarning     float64       `yaml:"memory_warning_percent" mapstructure:"memory_warning_percent"`
	MemoryCritical    float64       `yaml:"memory_critical_percent" mapstructure:"memory_critical_percent"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	sched := scheduler.DefaultConfig()
	retry := resilience.DefaultRetryConfig()
	metrics := scheduler.DefaultMetricsConfig()
	store := storage.DefaultConfig()
	breaker := resilience.DefaultCircuitBreakerConfig()

	return &Config{
		Server: api.DefaultConfig(),
		Scheduler: SchedulerConfig{
			MaxQueueSize:     sched.MaxQueueSize,
			AllowOverflow:    sched.AllowOverflow,
			SubmitTimeout:    sched.SubmitTimeout,
			DefaultLatency:   sched.DefaultLatency,
			CleanupInterval:  time.Hour,
			CleanupOlderThan: 24 * time.Hour,
			PersistBuffer:    sched.PersistBuffer,
			EventBuffer:      sched.EventBuffer,
		},
		Pools: PoolsConfig{
			ProcessWorkers:     goruntime.NumCPU(),
			ThreadWorkers:      goruntime.NumCPU() * 2,
			ProcessKillTimeout: runtime.DefaultProcessPoolConfig().KillTimeout,
		},
		Retry: RetryConfig{
			Policy:      string(retry.Policy),
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Multiplier:  retry.Multiplier,
			Jitter:      retry.Jitter,
			JitterRange: retry.JitterRange,
		},
		Storage: StorageConfig{
			Enabled:         true,
			DatabasePath:    store.DatabasePath,
			MaxOpenConns:    store.MaxOpenConns,
			MaxIdleConns:    store.MaxIdleConns,
			ConnMaxLifetime: store.ConnMaxLifetime,
			ConnMaxIdleTime: store.ConnMaxIdleTime,

			BreakerFailures:    breaker.FailureThreshold,
			BreakerOpenTimeout: breaker.OpenTimeout,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		},
		Tracing: *monitoring.DefaultTracingConfig(),
		Metrics: MetricsConfig{
			ThroughputWindow:  metrics.ThroughputWindow,
			LatencySamples:    metrics.LatencySamples,
			SampleBuffer:      metrics.SampleBuffer,
			SnapshotInterval:  sched.SnapshotInterval,
			SnapshotRetention: 7 * 24 * time.Hour,
			CollectSystem:     true,
			MemoryWarning:     85,
			MemoryCritical:    95,
		},
	}
}

// LoadConfig loads configuration from file, environment variables and defaults
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("taskschedulerd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/taskscheduler")
		v.AddConfigPath("/etc/taskscheduler")
	}

	// TASKSCHEDULER_SERVER_PORT overrides server.port
	v.SetEnvPrefix("TASKSCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v, "", config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// bindEnv registers every leaf key of the defaults so AutomaticEnv can
// override keys that do not appear in the config file.
func bindEnv(v *viper.Viper, prefix string, config *Config) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return
	}
	bindTree(v, prefix, tree)
}

func bindTree(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			bindTree(v, full, sub)
			continue
		}
		_ = v.BindEnv(full)
	}
}

// SaveConfig saves the configuration to a YAML file
func (c *Config) SaveConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.ToSchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if c.Scheduler.CleanupInterval < 0 || c.Scheduler.CleanupOlderThan < 0 {
		return fmt.Errorf("scheduler: cleanup durations must not be negative")
	}

	if c.Pools.ProcessWorkers < 1 {
		return fmt.Errorf("pools: process workers must be at least 1")
	}
	if c.Pools.ThreadWorkers < 1 {
		return fmt.Errorf("pools: thread workers must be at least 1")
	}
	if c.Pools.ProcessKillTimeout <= 0 {
		return fmt.Errorf("pools: process kill timeout must be positive")
	}

	if c.Storage.Enabled && c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage: database path cannot be empty")
	}
	if c.Storage.BreakerFailures < 0 || c.Storage.BreakerOpenTimeout < 0 {
		return fmt.Errorf("storage: breaker settings must not be negative")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}
	if c.Logging.OutputFile != "" && c.Logging.MaxSize < 1 {
		return fmt.Errorf("log max size must be at least 1 MB")
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	if c.Metrics.SnapshotInterval < 0 || c.Metrics.SnapshotRetention < 0 {
		return fmt.Errorf("metrics: snapshot durations must not be negative")
	}
	if c.Metrics.MemoryWarning <= 0 || c.Metrics.MemoryCritical > 100 || c.Metrics.MemoryWarning >= c.Metrics.MemoryCritical {
		return fmt.Errorf("metrics: memory thresholds must satisfy 0 < warning < critical <= 100")
	}

	return nil
}

// ToSchedulerConfig builds the scheduler configuration
func (c *Config) ToSchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxQueueSize:     c.Scheduler.MaxQueueSize,
		AllowOverflow:    c.Scheduler.AllowOverflow,
		SubmitTimeout:    c.Scheduler.SubmitTimeout,
		DefaultLatency:   c.Scheduler.DefaultLatency,
		SnapshotInterval: c.Metrics.SnapshotInterval,
		PersistBuffer:    c.Scheduler.PersistBuffer,
		EventBuffer:      c.Scheduler.EventBuffer,
		Retry: &resilience.RetryConfig{
			Policy:      resilience.RetryPolicy(c.Retry.Policy),
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
			Multiplier:  c.Retry.Multiplier,
			Jitter:      c.Retry.Jitter,
			JitterRange: c.Retry.JitterRange,
		},
		Metrics: scheduler.MetricsConfig{
			ThroughputWindow: c.Metrics.ThroughputWindow,
			LatencySamples:   c.Metrics.LatencySamples,
			SampleBuffer:     c.Metrics.SampleBuffer,
		},
		StorageBreaker: &resilience.CircuitBreakerConfig{
			FailureThreshold: c.Storage.BreakerFailures,
			OpenTimeout:      c.Storage.BreakerOpenTimeout,
		},
	}
}

// ToProcessPoolConfig builds the process pool configuration
func (c *Config) ToProcessPoolConfig() runtime.ProcessPoolConfig {
	return runtime.ProcessPoolConfig{
		Capacity:    c.Pools.ProcessWorkers,
		Command:     c.Pools.WorkerCommand,
		Env:         c.Pools.WorkerEnv,
		KillTimeout: c.Pools.ProcessKillTimeout,
	}
}

// ToStorageConfig builds the sqlite store configuration
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		DatabasePath:    c.Storage.DatabasePath,
		MaxOpenConns:    c.Storage.MaxOpenConns,
		MaxIdleConns:    c.Storage.MaxIdleConns,
		ConnMaxLifetime: c.Storage.ConnMaxLifetime,
		ConnMaxIdleTime: c.Storage.ConnMaxIdleTime,
	}
}

// CreateDirectories creates the directories the configuration writes into
func (c *Config) CreateDirectories() error {
	var dirs []string
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.DatabasePath))
	}
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	// Server defaults
	assert.Equal(t, "localhost", cfg.Server.Address)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Server.EnableWebSocket)

	// Scheduler defaults
	assert.Equal(t, 100, cfg.Scheduler.MaxQueueSize)
	assert.False(t, cfg.Scheduler.AllowOverflow)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.CleanupOlderThan)

	assert.GreaterOrEqual(t, cfg.Pools.ProcessWorkers, 1)
	assert.Equal(t, cfg.Pools.ProcessWorkers*2, cfg.Pools.ThreadWorkers)

	assert.Equal(t, "exponential", cfg.Retry.Policy)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)

	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "data/taskscheduler.db", cfg.Storage.DatabasePath)

	// Logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Logging.OutputFile)
	assert.Equal(t, 100, cfg.Logging.MaxSize)
	assert.Equal(t, 3, cfg.Logging.MaxBackups)
	assert.Equal(t, 28, cfg.Logging.MaxAge)
	assert.True(t, cfg.Logging.Compress)

	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, monitoring.TracingExporterNone, cfg.Tracing.Exporter)

	assert.True(t, cfg.Metrics.CollectSystem)
	assert.Equal(t, time.Minute, cfg.Metrics.SnapshotInterval)
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "taskschedulerd.yaml")

	content := `
server:
  port: 9090
  rate_limit_rps: 50
  cors_origins: ["https://dashboard.example"]
scheduler:
  max_queue_size: 500
  allow_overflow: true
  submit_timeout: 250ms
pools:
  process_workers: 2
  thread_workers: 16
  worker_command: ["/usr/local/bin/taskschedulerd", "worker"]
retry:
  policy: linear
  base_delay: 2s
  max_delay: 30s
  multiplier: 1.5
storage:
  database_path: /var/lib/taskscheduler/tasks.db
logging:
  level: debug
  format: console
tracing:
  enabled: true
  exporter: stdout
  sampling_ratio: 0.5
metrics:
  snapshot_interval: 30s
  throughput_window: 5m
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Server.RateLimitRPS)
	assert.Equal(t, []string{"https://dashboard.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "localhost", cfg.Server.Address, "unset keys keep defaults")

	assert.Equal(t, 500, cfg.Scheduler.MaxQueueSize)
	assert.True(t, cfg.Scheduler.AllowOverflow)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.SubmitTimeout)

	assert.Equal(t, 2, cfg.Pools.ProcessWorkers)
	assert.Equal(t, 16, cfg.Pools.ThreadWorkers)
	assert.Equal(t, []string{"/usr/local/bin/taskschedulerd", "worker"}, cfg.Pools.WorkerCommand)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, monitoring.TracingExporterStdout, cfg.Tracing.Exporter)
	assert.Equal(t, 0.5, cfg.Tracing.SamplingRatio)

	sched := cfg.ToSchedulerConfig()
	assert.Equal(t, 500, sched.MaxQueueSize)
	assert.Equal(t, 30*time.Second, sched.SnapshotInterval)
	assert.Equal(t, 5*time.Minute, sched.Metrics.ThroughputWindow)
	require.NotNil(t, sched.Retry)
	assert.Equal(t, resilience.RetryPolicyLinear, sched.Retry.Policy)
	assert.Equal(t, 2*time.Second, sched.Retry.BaseDelay)
	assert.Equal(t, 1.5, sched.Retry.Multiplier)
	require.NotNil(t, sched.StorageBreaker)
	assert.Equal(t, int64(5), sched.StorageBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, sched.StorageBreaker.OpenTimeout)

	pool := cfg.ToProcessPoolConfig()
	assert.Equal(t, 2, pool.Capacity)
	assert.Equal(t, []string{"/usr/local/bin/taskschedulerd", "worker"}, pool.Command)

	assert.Equal(t, "/var/lib/taskscheduler/tasks.db", cfg.ToStorageConfig().DatabasePath)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "env-test.yaml")

	baseConfig := `
server:
  port: 3000
logging:
  level: "info"
`
	require.NoError(t, os.WriteFile(configPath, []byte(baseConfig), 0644))

	t.Setenv("TASKSCHEDULER_SERVER_PORT", "9000")
	t.Setenv("TASKSCHEDULER_LOGGING_LEVEL", "warn")
	// not present in the file
	t.Setenv("TASKSCHEDULER_SCHEDULER_MAX_QUEUE_SIZE", "42")
	t.Setenv("TASKSCHEDULER_POOLS_THREAD_WORKERS", "3")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 42, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 3, cfg.Pools.ThreadWorkers)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultConfig().Scheduler, cfg.Scheduler)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_ValidationFailure(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid-config.yaml")
	invalidConfig := `
scheduler:
  max_queue_size: 0
logging:
  level: "invalid"
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidConfig), 0644))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server"},
		{"zero queue", func(c *Config) { c.Scheduler.MaxQueueSize = 0 }, "scheduler"},
		{"negative cleanup", func(c *Config) { c.Scheduler.CleanupInterval = -time.Second }, "cleanup"},
		{"no process workers", func(c *Config) { c.Pools.ProcessWorkers = 0 }, "process workers"},
		{"no thread workers", func(c *Config) { c.Pools.ThreadWorkers = 0 }, "thread workers"},
		{"no kill timeout", func(c *Config) { c.Pools.ProcessKillTimeout = 0 }, "kill timeout"},
		{"unknown retry policy", func(c *Config) { c.Retry.Policy = "random" }, "retry policy"},
		{"max below base delay", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "max delay"},
		{"empty database path", func(c *Config) { c.Storage.DatabasePath = "" }, "database path"},
		{"storage disabled without path", func(c *Config) { c.Storage.Enabled = false; c.Storage.DatabasePath = "" }, ""},
		{"negative breaker timeout", func(c *Config) { c.Storage.BreakerOpenTimeout = -time.Second }, "breaker"},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
		{"log file without size", func(c *Config) { c.Logging.OutputFile = "x.log"; c.Logging.MaxSize = 0 }, "max size"},
		{"bad exporter", func(c *Config) { c.Tracing.Exporter = "zipkin" }, "tracing"},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = monitoring.TracingExporterOTLP
		}, "endpoint"},
		{"memory thresholds inverted", func(c *Config) { c.Metrics.MemoryWarning = 99 }, "memory thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "taskschedulerd.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 8123
	cfg.Scheduler.SubmitTimeout = 3 * time.Second
	cfg.Pools.WorkerEnv = []string{"GOMAXPROCS=1"}
	cfg.Tracing.Headers = map[string]string{"x-tenant": "ops"}
	require.NoError(t, cfg.SaveConfig(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "submit_timeout: 3s")

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Server.Port)
	assert.Equal(t, 3*time.Second, loaded.Scheduler.SubmitTimeout)
	assert.Equal(t, []string{"GOMAXPROCS=1"}, loaded.Pools.WorkerEnv)
	assert.Equal(t, "ops", loaded.Tracing.Headers["x-tenant"])
	assert.Equal(t, cfg.Retry, loaded.Retry)
	assert.Equal(t, cfg.Metrics, loaded.Metrics)
}

func TestCreateDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.DatabasePath = filepath.Join(tmpDir, "db", "tasks.db")
	cfg.Logging.OutputFile = filepath.Join(tmpDir, "logs", "taskschedulerd.log")
	require.NoError(t, cfg.CreateDirectories())

	assert.DirExists(t, filepath.Join(tmpDir, "db"))
	assert.DirExists(t, filepath.Join(tmpDir, "logs"))

	cfg = DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Storage.DatabasePath = filepath.Join(tmpDir, "skipped", "tasks.db")
	require.NoError(t, cfg.CreateDirectories())
	assert.NoDirExists(t, filepath.Join(tmpDir, "skipped"))
}

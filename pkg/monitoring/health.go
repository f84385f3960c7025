package monitoring

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeLiveness CheckType = "liveness"
	CheckTypeDatabase CheckType = "database"
	CheckTypeResource CheckType = "resource"
)

// HealthConfig configuration for health monitoring
type HealthConfig struct {
	Timeout             time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxConcurrentChecks int           `json:"max_concurrent_checks" yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks"`
	HistorySize         int           `json:"history_size" yaml:"history_size" mapstructure:"history_size"`
	Version             string        `json:"version" yaml:"version" mapstructure:"version"`
}

// DefaultHealthConfig returns default health configuration
func DefaultHealthConfig() *HealthConfig {
	return &HealthConfig{
		Timeout:             5 * time.Second,
		MaxConcurrentChecks: 4,
		HistorySize:         50,
		Version:             "1.0.0",
	}
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Name      string                 `json:"name"`
	Status    HealthStatus           `json:"status"`
	CheckType CheckType              `json:"check_type"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Error     string                 `json:"error,omitempty"`
	Critical  bool                   `json:"critical"`
}

// OverallHealth represents the overall health status
type OverallHealth struct {
	Status          HealthStatus                 `json:"status"`
	Message         string                       `json:"message"`
	Timestamp       time.Time                    `json:"timestamp"`
	Uptime          time.Duration                `json:"uptime"`
	Version         string                       `json:"version"`
	ComponentHealth map[string]HealthCheckResult `json:"component_health"`
	Summary         *HealthSummary               `json:"summary"`
}

// HealthSummary summarizes health check results
type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
	CriticalChecks  int `json:"critical_checks"`
}

// HealthHistoryEntry represents a historical health entry
type HealthHistoryEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message"`
}

// HealthChecker interface for health checks
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
	CheckType() CheckType
	IsCritical() bool
}

// HealthRegistry runs registered checkers and folds them into one status
type HealthRegistry struct {
	config    *HealthConfig
	checkers  map[string]HealthChecker
	history   []HealthHistoryEntry
	last      *OverallHealth
	mu        sync.RWMutex
	startTime time.Time
}

// NewHealthRegistry creates a new health registry
func NewHealthRegistry(config *HealthConfig) *HealthRegistry {
	if config == nil {
		config = DefaultHealthConfig()
	}
	if config.MaxConcurrentChecks <= 0 {
		config.MaxConcurrentChecks = 1
	}
	return &HealthRegistry{
		config:    config,
		checkers:  make(map[string]HealthChecker),
		startTime: time.Now(),
	}
}

// RegisterChecker adds or replaces a checker
func (hr *HealthRegistry) RegisterChecker(checker HealthChecker) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.checkers[checker.Name()] = checker

	log.Debug().
		Str("checker", checker.Name()).
		Str("type", string(checker.CheckType())).
		Bool("critical", checker.IsCritical()).
		Msg("Health checker registered")
}

// CheckHealth runs the checkers of the given types (all when none are given)
func (hr *HealthRegistry) CheckHealth(ctx context.Context, checkTypes ...CheckType) *OverallHealth {
	hr.mu.RLock()
	checkers := make([]HealthChecker, 0, len(hr.checkers))
	for _, checker := range hr.checkers {
		if matchesType(checker.CheckType(), checkTypes) {
			checkers = append(checkers, checker)
		}
	}
	hr.mu.RUnlock()

	health := hr.calculateOverallHealth(hr.runCheckers(ctx, checkers))

	hr.mu.Lock()
	hr.last = health
	hr.history = append(hr.history, HealthHistoryEntry{
		Timestamp: health.Timestamp,
		Status:    health.Status,
		Message:   health.Message,
	})
	if len(hr.history) > hr.config.HistorySize {
		hr.history = hr.history[len(hr.history)-hr.config.HistorySize:]
	}
	hr.mu.Unlock()

	if health.Status != HealthStatusHealthy {
		log.Warn().
			Str("status", string(health.Status)).
			Str("message", health.Message).
			Msg("Health check not passing")
	}
	return health
}

func matchesType(ct CheckType, types []CheckType) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == ct {
			return true
		}
	}
	return false
}

func (hr *HealthRegistry) runCheckers(ctx context.Context, checkers []HealthChecker) map[string]HealthCheckResult {
	results := make(map[string]HealthCheckResult, len(checkers))
	resultsChan := make(chan HealthCheckResult, len(checkers))
	semaphore := make(chan struct{}, hr.config.MaxConcurrentChecks)

	var wg sync.WaitGroup
	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			checkCtx, cancel := context.WithTimeout(ctx, hr.config.Timeout)
			defer cancel()

			start := time.Now()
			result := c.Check(checkCtx)
			result.Name = c.Name()
			result.CheckType = c.CheckType()
			result.Critical = c.IsCritical()
			result.Timestamp = start
			result.Duration = time.Since(start)
			resultsChan <- result
		}(checker)
	}
	wg.Wait()
	close(resultsChan)

	for result := range resultsChan {
		results[result.Name] = result
	}
	return results
}

// calculateOverallHealth folds component results. A failing critical check
// makes the whole service unhealthy; any other failure only degrades it.
func (hr *HealthRegistry) calculateOverallHealth(results map[string]HealthCheckResult) *OverallHealth {
	summary := &HealthSummary{TotalChecks: len(results)}
	overall := HealthStatusHealthy
	var critical, degraded []string

	for _, result := range results {
		switch result.Status {
		case HealthStatusHealthy:
			summary.HealthyChecks++
		case HealthStatusDegraded:
			summary.DegradedChecks++
			degraded = append(degraded, result.Name)
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		default:
			summary.UnhealthyChecks++
			if result.Critical {
				summary.CriticalChecks++
				critical = append(critical, result.Name)
				overall = HealthStatusUnhealthy
			} else {
				degraded = append(degraded, result.Name)
				if overall == HealthStatusHealthy {
					overall = HealthStatusDegraded
				}
			}
		}
	}
	sort.Strings(critical)
	sort.Strings(degraded)

	return &OverallHealth{
		Status:          overall,
		Message:         healthMessage(overall, critical, degraded),
		Timestamp:       time.Now(),
		Uptime:          time.Since(hr.startTime),
		Version:         hr.config.Version,
		ComponentHealth: results,
		Summary:         summary,
	}
}

func healthMessage(status HealthStatus, critical, degraded []string) string {
	switch status {
	case HealthStatusHealthy:
		return "All health checks passing"
	case HealthStatusDegraded:
		return fmt.Sprintf("Degraded: %s", strings.Join(degraded, ", "))
	default:
		return fmt.Sprintf("Critical issues detected in: %s", strings.Join(critical, ", "))
	}
}

// LastHealth returns the most recent result, or nil before the first check
func (hr *HealthRegistry) LastHealth() *OverallHealth {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.last
}

// History returns past overall results, oldest first
func (hr *HealthRegistry) History() []HealthHistoryEntry {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return append([]HealthHistoryEntry(nil), hr.history...)
}

// SchedulerProbe is the view of the scheduler the liveness check needs
type SchedulerProbe interface {
	Running() bool
	QueueDepth() int
}

// SchedulerHealthChecker fails when the dispatch loop is down and degrades
// when the queue is close to its admission limit.
type SchedulerHealthChecker struct {
	Scheduler     SchedulerProbe
	MaxQueueSize  int
	DegradedRatio float64
}

func (c *SchedulerHealthChecker) Name() string         { return "scheduler" }
func (c *SchedulerHealthChecker) CheckType() CheckType { return CheckTypeLiveness }
func (c *SchedulerHealthChecker) IsCritical() bool     { return true }

func (c *SchedulerHealthChecker) Check(ctx context.Context) HealthCheckResult {
	depth := c.Scheduler.QueueDepth()
	result := HealthCheckResult{
		Status:  HealthStatusHealthy,
		Message: "Scheduler running",
		Details: map[string]interface{}{"queue_depth": depth},
	}
	if !c.Scheduler.Running() {
		result.Status = HealthStatusUnhealthy
		result.Message = "Scheduler is not running"
		return result
	}

	ratio := c.DegradedRatio
	if ratio <= 0 {
		ratio = 0.9
	}
	if c.MaxQueueSize > 0 && float64(depth) >= ratio*float64(c.MaxQueueSize) {
		result.Status = HealthStatusDegraded
		result.Message = fmt.Sprintf("Queue near capacity (%d/%d)", depth, c.MaxQueueSize)
	}
	return result
}

// Pinger is satisfied by *sql.DB and the storage layer
type Pinger interface {
	PingContext(ctx context.Context) error
}

// IntegrityChecker verifies the on-disk database
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) error
}

// TaskCounter reports persisted tasks per state
type TaskCounter interface {
	CountByState(ctx context.Context) (map[task.State]int, error)
}

// DatabaseHealthChecker pings the persistence store. Integrity and Tasks are
// optional; a failed integrity check is unhealthy and stored task counts are
// reported in the details.
type DatabaseHealthChecker struct {
	DB        Pinger
	Integrity IntegrityChecker
	Tasks     TaskCounter
	Critical  bool
}

func (c *DatabaseHealthChecker) Name() string         { return "database" }
func (c *DatabaseHealthChecker) CheckType() CheckType { return CheckTypeDatabase }
func (c *DatabaseHealthChecker) IsCritical() bool     { return c.Critical }

func (c *DatabaseHealthChecker) Check(ctx context.Context) HealthCheckResult {
	if err := c.DB.PingContext(ctx); err != nil {
		return HealthCheckResult{
			Status:  HealthStatusUnhealthy,
			Message: "Database ping failed",
			Error:   err.Error(),
		}
	}

	if c.Integrity != nil {
		if err := c.Integrity.CheckIntegrity(ctx); err != nil {
			return HealthCheckResult{
				Status:  HealthStatusUnhealthy,
				Message: "Database integrity check failed",
				Error:   err.Error(),
			}
		}
	}

	result := HealthCheckResult{Status: HealthStatusHealthy, Message: "Database reachable"}
	if c.Tasks != nil {
		counts, err := c.Tasks.CountByState(ctx)
		if err != nil {
			result.Status = HealthStatusDegraded
			result.Message = "Stored task counts unavailable"
			result.Error = err.Error()
			return result
		}
		result.Details = map[string]interface{}{"stored_tasks": counts}
	}
	return result
}

// BreakerSource exposes the storage circuit breaker
type BreakerSource interface {
	StorageHealth() resilience.CircuitBreakerMetrics
}

// StorageCircuitChecker degrades while writes to storage are being shed
type StorageCircuitChecker struct {
	Source BreakerSource
}

func (c *StorageCircuitChecker) Name() string         { return "storage_circuit" }
func (c *StorageCircuitChecker) CheckType() CheckType { return CheckTypeDatabase }
func (c *StorageCircuitChecker) IsCritical() bool     { return false }

func (c *StorageCircuitChecker) Check(ctx context.Context) HealthCheckResult {
	m := c.Source.StorageHealth()
	result := HealthCheckResult{
		Status:  HealthStatusHealthy,
		Message: "Storage writes flowing",
		Details: map[string]interface{}{
			"state":                m.State,
			"consecutive_failures": m.ConsecutiveFailures,
			"rejected":             m.RejectedCount,
		},
	}
	if m.State != resilience.CircuitBreakerClosed.String() {
		result.Status = HealthStatusDegraded
		result.Message = fmt.Sprintf("Storage circuit %s, writes are being skipped", m.State)
	}
	return result
}

// MetricsSource produces a system sample; SystemCollector implements it
type MetricsSource interface {
	Collect(ctx context.Context) (*SystemMetrics, error)
}

// MemoryHealthChecker compares host memory use against thresholds (percent)
type MemoryHealthChecker struct {
	Source   MetricsSource
	Warning  float64
	Critical float64
}

func (c *MemoryHealthChecker) Name() string         { return "memory" }
func (c *MemoryHealthChecker) CheckType() CheckType { return CheckTypeResource }
func (c *MemoryHealthChecker) IsCritical() bool     { return false }

func (c *MemoryHealthChecker) Check(ctx context.Context) HealthCheckResult {
	m, err := c.Source.Collect(ctx)
	if err != nil {
		return HealthCheckResult{
			Status:  HealthStatusDegraded,
			Message: "Memory usage unavailable",
			Error:   err.Error(),
		}
	}

	result := HealthCheckResult{
		Status:  HealthStatusHealthy,
		Message: fmt.Sprintf("Memory usage %.1f%%", m.MemoryPercent),
		Details: map[string]interface{}{
			"memory_percent":    m.MemoryPercent,
			"process_rss_bytes": m.ProcessRSSBytes,
			"goroutines":        m.Goroutines,
		},
	}
	switch {
	case c.Critical > 0 && m.MemoryPercent >= c.Critical:
		result.Status = HealthStatusUnhealthy
	case c.Warning > 0 && m.MemoryPercent >= c.Warning:
		result.Status = HealthStatusDegraded
	}
	return result
}

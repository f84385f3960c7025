package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// CircuitBreakerClosed - normal operation, requests are allowed
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen - requests are rejected until the open timeout passes
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen - a limited number of probe requests are allowed
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "CLOSED"
	case CircuitBreakerOpen:
		return "OPEN"
	case CircuitBreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string        `json:"name" yaml:"name" mapstructure:"name"`
	FailureThreshold int64         `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int64         `json:"success_threshold" yaml:"success_threshold" mapstructure:"success_threshold"` // half-open successes that close it
	MaxRequests      int64         `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests"`                // concurrent probes while half-open
	OpenTimeout      time.Duration `json:"open_timeout" yaml:"open_timeout" mapstructure:"open_timeout"`

	// OnStateChange is called synchronously with the breaker lock released
	OnStateChange func(name string, from, to CircuitBreakerState) `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultCircuitBreakerConfig returns default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		MaxRequests:      1,
		OpenTimeout:      30 * time.Second,
	}
}

// CircuitBreakerMetrics tracks circuit breaker statistics
type CircuitBreakerMetrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	RejectedCount       int64     `json:"rejected_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastStateChange     time.Time `json:"last_state_change"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
}

// Common circuit breaker errors
var (
	ErrCircuitBreakerOpen        = errors.New("circuit breaker is open")
	ErrCircuitBreakerMaxRequests = errors.New("circuit breaker max requests exceeded")
)

// CircuitBreaker stops calling a failing dependency for a while
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitBreakerState
	totalRequests        int64
	successCount         int64
	failureCount         int64
	rejectedCount        int64
	consecutiveFailures  int64
	consecutiveSuccesses int64
	inFlightProbes       int64
	lastStateChange      time.Time
	lastFailureTime      time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	cfg := *config
	defaults := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}

	return &CircuitBreaker{
		config:          &cfg,
		now:             time.Now,
		state:           CircuitBreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs operation unless the circuit is open. Rejections return
// ErrCircuitBreakerOpen or ErrCircuitBreakerMaxRequests without calling it.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	probe, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	err = operation(ctx)
	cb.afterRequest(probe, err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mu.Lock()

	switch cb.state {
	case CircuitBreakerOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.OpenTimeout {
			cb.rejectedCount++
			cb.mu.Unlock()
			return false, ErrCircuitBreakerOpen
		}
		notify := cb.changeState(CircuitBreakerHalfOpen)
		cb.inFlightProbes++
		cb.totalRequests++
		cb.mu.Unlock()
		notify()
		return true, nil

	case CircuitBreakerHalfOpen:
		if cb.inFlightProbes >= cb.config.MaxRequests {
			cb.rejectedCount++
			cb.mu.Unlock()
			return false, ErrCircuitBreakerMaxRequests
		}
		cb.inFlightProbes++
		cb.totalRequests++
		cb.mu.Unlock()
		return true, nil
	}

	cb.totalRequests++
	cb.mu.Unlock()
	return false, nil
}

func (cb *CircuitBreaker) afterRequest(probe bool, err error) {
	cb.mu.Lock()
	if probe && cb.inFlightProbes > 0 {
		cb.inFlightProbes--
	}

	notify := func() {}
	if err != nil {
		cb.failureCount++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		cb.lastFailureTime = cb.now()

		switch {
		case cb.state == CircuitBreakerHalfOpen:
			notify = cb.changeState(CircuitBreakerOpen)
		case cb.state == CircuitBreakerClosed && cb.consecutiveFailures >= cb.config.FailureThreshold:
			notify = cb.changeState(CircuitBreakerOpen)
		}
	} else {
		cb.successCount++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0

		if cb.state == CircuitBreakerHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
			notify = cb.changeState(CircuitBreakerClosed)
		}
	}
	cb.mu.Unlock()
	notify()
}

// changeState must be called with mu held. The returned func logs and runs
// the callback and must be called after unlocking.
func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) func() {
	oldState := cb.state
	if oldState == newState {
		return func() {}
	}
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.consecutiveSuccesses = 0
	if newState != CircuitBreakerHalfOpen {
		cb.inFlightProbes = 0
	}
	failures := cb.consecutiveFailures

	return func() {
		log.Info().
			Str("name", cb.config.Name).
			Str("from", oldState.String()).
			Str("to", newState.String()).
			Int64("consecutive_failures", failures).
			Msg("Circuit breaker state changed")
		if cb.config.OnStateChange != nil {
			cb.config.OnStateChange(cb.config.Name, oldState, newState)
		}
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a copy of the current counters
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerMetrics{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		TotalRequests:       cb.totalRequests,
		SuccessCount:        cb.successCount,
		FailureCount:        cb.failureCount,
		RejectedCount:       cb.rejectedCount,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange,
		LastFailureTime:     cb.lastFailureTime,
	}
}

func (cb *CircuitBreaker) String() string {
	m := cb.Metrics()
	return fmt.Sprintf("CircuitBreaker[%s](state=%s, failures=%d, rejected=%d)",
		m.Name, m.State, m.FailureCount, m.RejectedCount)
}

package resilience

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy defines different retry strategies
type RetryPolicy string

const (
	// RetryPolicyFixed uses fixed delay between retries
	RetryPolicyFixed RetryPolicy = "fixed"
	// RetryPolicyExponential uses exponential backoff
	RetryPolicyExponential RetryPolicy = "exponential"
	// RetryPolicyLinear uses linear backoff
	RetryPolicyLinear RetryPolicy = "linear"
)

// RetryConfig configuration for retry backoff
type RetryConfig struct {
	BaseDelay   time.Duration `json:"base_delay"`   // Delay before the first retry
	MaxDelay    time.Duration `json:"max_delay"`    // Maximum delay between retries
	Multiplier  float64       `json:"multiplier"`   // Multiplier for exponential backoff
	Jitter      bool          `json:"jitter"`       // Whether to add jitter to delays
	JitterRange float64       `json:"jitter_range"` // Jitter range (0.0 to 1.0)
	Policy      RetryPolicy   `json:"policy"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      false,
		JitterRange: 0.1,
		Policy:      RetryPolicyExponential,
	}
}

// Validate checks the configuration
func (c *RetryConfig) Validate() error {
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be positive")
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("max delay must be at least the base delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1")
	}
	if c.JitterRange < 0 || c.JitterRange > 1 {
		return fmt.Errorf("jitter range must be between 0 and 1")
	}
	switch c.Policy {
	case RetryPolicyFixed, RetryPolicyExponential, RetryPolicyLinear:
	default:
		return fmt.Errorf("unsupported retry policy: %s", c.Policy)
	}
	return nil
}

// Backoff computes retry delays
type Backoff struct {
	config *RetryConfig

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewBackoff creates a backoff calculator, filling unset fields with defaults
func NewBackoff(config *RetryConfig) *Backoff {
	if config == nil {
		config = DefaultRetryConfig()
	}

	cfg := *config
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Minute
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterRange < 0 || cfg.JitterRange > 1 {
		cfg.JitterRange = 0.1
	}
	if cfg.Policy == "" {
		cfg.Policy = RetryPolicyExponential
	}

	return &Backoff{
		config: &cfg,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns a copy of the effective configuration
func (b *Backoff) Config() RetryConfig {
	return *b.config
}

// Delay returns the wait before retry number attempt (1-based)
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration

	switch b.config.Policy {
	case RetryPolicyFixed:
		delay = b.config.BaseDelay

	case RetryPolicyLinear:
		delay = time.Duration(int64(b.config.BaseDelay) * int64(attempt))

	default:
		d := float64(b.config.BaseDelay) * math.Pow(b.config.Multiplier, float64(attempt-1))
		if d > float64(b.config.MaxDelay) || math.IsInf(d, 0) {
			d = float64(b.config.MaxDelay)
		}
		delay = time.Duration(d)
	}

	// Apply maximum delay
	if delay > b.config.MaxDelay || delay < 0 {
		delay = b.config.MaxDelay
	}

	if b.config.Jitter {
		delay = b.addJitter(delay)
	}

	return delay
}

// addJitter adds jitter to the delay
func (b *Backoff) addJitter(delay time.Duration) time.Duration {
	if b.config.JitterRange <= 0 {
		return delay
	}

	jitterAmount := float64(delay) * b.config.JitterRange

	b.mu.Lock()
	jitter := (b.rnd.Float64() - 0.5) * 2 * jitterAmount
	b.mu.Unlock()

	newDelay := float64(delay) + jitter
	if newDelay < 0 {
		newDelay = float64(delay) * 0.1 // Minimum 10% of original delay
	}

	return time.Duration(newDelay)
}

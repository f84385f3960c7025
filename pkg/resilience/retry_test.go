package resilience

import (
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	b := NewBackoff(&RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2.0,
		Policy:     RetryPolicyExponential,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}

	for i, want := range expected {
		if got := b.Delay(i + 1); got != want {
			t.Errorf("attempt %d: expected %v, got %v", i+1, want, got)
		}
	}
}

func TestBackoff_LargeAttemptStaysCapped(t *testing.T) {
	b := NewBackoff(&RetryConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2})

	if got := b.Delay(5000); got != 30*time.Second {
		t.Errorf("Expected capped delay of 30s, got %v", got)
	}
	if got := b.Delay(0); got != time.Second {
		t.Errorf("Expected attempt 0 to be treated as first retry, got %v", got)
	}
}

func TestBackoff_FixedDelay(t *testing.T) {
	b := NewBackoff(&RetryConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second, Policy: RetryPolicyFixed})

	for attempt := 1; attempt <= 4; attempt++ {
		if got := b.Delay(attempt); got != 50*time.Millisecond {
			t.Errorf("attempt %d: expected 50ms, got %v", attempt, got)
		}
	}
}

func TestBackoff_LinearBackoff(t *testing.T) {
	b := NewBackoff(&RetryConfig{BaseDelay: 50 * time.Millisecond, MaxDelay: 120 * time.Millisecond, Policy: RetryPolicyLinear})

	if got := b.Delay(2); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", got)
	}
	if got := b.Delay(3); got != 120*time.Millisecond {
		t.Errorf("Expected capped 120ms, got %v", got)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := NewBackoff(&RetryConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		Jitter:      true,
		JitterRange: 0.2,
	})

	for i := 0; i < 100; i++ {
		got := b.Delay(1)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("Jittered delay %v outside [80ms, 120ms]", got)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(nil)
	cfg := b.Config()

	if cfg.Policy != RetryPolicyExponential {
		t.Errorf("Expected exponential policy, got %s", cfg.Policy)
	}
	if cfg.BaseDelay != time.Second {
		t.Errorf("Expected 1s base delay, got %v", cfg.BaseDelay)
	}

	partial := NewBackoff(&RetryConfig{})
	if got := partial.Delay(1); got != time.Second {
		t.Errorf("Expected default base delay, got %v", got)
	}
}

func TestRetryConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RetryConfig)
		wantErr bool
	}{
		{"default", func(c *RetryConfig) {}, false},
		{"zero base", func(c *RetryConfig) { c.BaseDelay = 0 }, true},
		{"max below base", func(c *RetryConfig) { c.MaxDelay = c.BaseDelay / 2 }, true},
		{"multiplier below one", func(c *RetryConfig) { c.Multiplier = 0.5 }, true},
		{"bad jitter", func(c *RetryConfig) { c.JitterRange = 2 }, true},
		{"bad policy", func(c *RetryConfig) { c.Policy = "random" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRetryConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

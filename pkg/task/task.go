package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hint declares the execution profile of a payload
type Hint string

const (
	HintCPUBound Hint = "cpu_bound"
	HintIOBound  Hint = "io_bound"
)

// IsValid returns true for known hints. The empty hint is valid and means "use the handler default".
func (h Hint) IsValid() bool {
	return h == "" || h == HintCPUBound || h == HintIOBound
}

// Backend identifies an execution pool class
type Backend string

const (
	BackendNone    Backend = ""
	BackendProcess Backend = "process"
	BackendThread  Backend = "thread"
)

// Other returns the opposite backend class
func (b Backend) Other() Backend {
	switch b {
	case BackendProcess:
		return BackendThread
	case BackendThread:
		return BackendProcess
	default:
		return BackendNone
	}
}

// Priority bounds and named levels
const (
	MinPriority = 0
	MaxPriority = 100

	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
	PriorityUrgent = 20
)

// Submission defaults and limits
const (
	DefaultMaxRetries = 3
	MaxMaxRetries     = 10
	DefaultTimeout    = 300 * time.Second
	MinTimeout        = time.Second
	MaxTimeout        = 3600 * time.Second
	MaxNameLength     = 100
)

var priorityLevels = map[string]int{
	"low":    PriorityLow,
	"normal": PriorityNormal,
	"high":   PriorityHigh,
	"urgent": PriorityUrgent,
}

// ParsePriority accepts a named level (low, normal, high, urgent) or an integer
func ParsePriority(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return PriorityNormal, nil
	}
	if p, ok := priorityLevels[s]; ok {
		return p, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

// PriorityName returns the named level for p, or its decimal form
func PriorityName(p int) string {
	for name, v := range priorityLevels {
		if v == p {
			return name
		}
	}
	return strconv.Itoa(p)
}

// Spec is a submission request before it becomes a Task
type Spec struct {
	Name       string          `json:"task_name"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	Hint       Hint            `json:"execution_hint,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	Timeout    time.Duration   `json:"timeout,omitempty"`
}

// Validate checks a submission and fills defaults
func (s *Spec) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return &ValidationError{Field: "task_name", Message: "required"}
	}
	if len(s.Name) > MaxNameLength {
		return &ValidationError{Field: "task_name", Message: fmt.Sprintf("longer than %d characters", MaxNameLength)}
	}

	payload := bytes.TrimSpace(s.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return &ValidationError{Field: "payload", Message: "required"}
	}
	if payload[0] != '{' || !json.Valid(payload) {
		return &ValidationError{Field: "payload", Message: "must be a JSON object"}
	}
	s.Payload = payload

	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("must be between %d and %d", MinPriority, MaxPriority)}
	}

	if !s.Hint.IsValid() {
		return &ValidationError{Field: "execution_hint", Message: fmt.Sprintf("unsupported hint %q", s.Hint)}
	}

	if s.MaxRetries == nil {
		n := DefaultMaxRetries
		s.MaxRetries = &n
	} else if *s.MaxRetries < 0 || *s.MaxRetries > MaxMaxRetries {
		return &ValidationError{Field: "max_retries", Message: fmt.Sprintf("must be between 0 and %d", MaxMaxRetries)}
	}

	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	} else if s.Timeout < MinTimeout || s.Timeout > MaxTimeout {
		return &ValidationError{Field: "timeout", Message: fmt.Sprintf("must be between %s and %s", MinTimeout, MaxTimeout)}
	}

	return nil
}

// Transition records a single state change
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Task is the canonical record of one unit of work.
// The registry owns it; everything else works on clones.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Hint       Hint            `json:"execution_hint"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	Timeout    time.Duration   `json:"timeout"`
	Seq        uint64          `json:"seq"`

	State        State   `json:"status"`
	AttemptCount int     `json:"attempt_count"`
	Backend      Backend `json:"backend,omitempty"`
	WorkerID     string  `json:"worker_id,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`

	History []Transition `json:"history,omitempty"`
}

// New creates a pending task from a validated spec
func New(id string, seq uint64, spec Spec, now time.Time) *Task {
	maxRetries := DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	return &Task{
		ID:          id,
		Name:        spec.Name,
		Payload:     append(json.RawMessage(nil), spec.Payload...),
		Hint:        spec.Hint,
		Priority:    spec.Priority,
		MaxRetries:  maxRetries,
		Timeout:     spec.Timeout,
		Seq:         seq,
		State:       StatePending,
		SubmittedAt: now,
	}
}

// TransitionTo moves the task to target, recording history and timestamps.
// Transitions out of a terminal state return ErrTerminal so callers can drop late events.
func (t *Task) TransitionTo(target State, reason string, now time.Time) error {
	if t.State.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrTerminal, t.ID, t.State)
	}
	if !t.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, target)
	}

	t.History = append(t.History, Transition{
		From:      t.State,
		To:        target,
		Attempt:   t.AttemptCount,
		Timestamp: now,
		Reason:    reason,
	})
	t.State = target

	switch target {
	case StateRunning:
		t.AttemptCount++
		started := now
		t.StartedAt = &started
	case StateCompleted, StateFailed, StateCancelled:
		finished := now
		t.FinishedAt = &finished
	}
	return nil
}

// AttemptsRemaining reports whether another attempt is allowed after the current one
func (t *Task) AttemptsRemaining() bool {
	return t.AttemptCount <= t.MaxRetries
}

// Latency returns submission-to-finish time, or zero if the task has not finished
func (t *Task) Latency() time.Duration {
	if t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(t.SubmittedAt)
}

// Clone returns a deep copy
func (t *Task) Clone() *Task {
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	c.History = append([]Transition(nil), t.History...)
	return &c
}

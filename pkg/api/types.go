package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
	"github.com/sandboxrunner/taskscheduler/pkg/storage"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Field     string    `json:"field,omitempty"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// SubmitRequest is the body of POST /tasks/submit.
// Priority may be a named level ("high") or an integer.
type SubmitRequest struct {
	TaskName   string          `json:"task_name"`
	Payload    json.RawMessage `json:"payload"`
	Priority   json.RawMessage `json:"priority,omitempty"`
	Hint       string          `json:"execution_hint,omitempty"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	// Timeout in seconds
	Timeout int `json:"timeout,omitempty"`
}

// ToSpec converts the request into a task spec. Range checks are left to
// the scheduler's validator.
func (r SubmitRequest) ToSpec() (task.Spec, error) {
	priority, err := parsePriority(r.Priority)
	if err != nil {
		return task.Spec{}, err
	}
	spec := task.Spec{
		Name:       r.TaskName,
		Payload:    r.Payload,
		Priority:   priority,
		Hint:       task.Hint(r.Hint),
		MaxRetries: r.MaxRetries,
	}
	if r.Timeout != 0 {
		spec.Timeout = time.Duration(r.Timeout) * time.Second
	}
	return spec, nil
}

func parsePriority(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return task.PriorityNormal, nil
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return 0, &task.ValidationError{Field: "priority", Message: "invalid string"}
		}
		return task.ParsePriority(name)
	}
	p, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, &task.ValidationError{Field: "priority", Message: fmt.Sprintf("must be an integer or level name, got %s", raw)}
	}
	return p, nil
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	TaskID             string     `json:"task_id"`
	Status             task.State `json:"status"`
	Message            string     `json:"message"`
	QueuePosition      int        `json:"queue_position"`
	EstimatedStartTime time.Time  `json:"estimated_start_time"`
	ProcessingTimeMs   float64    `json:"processing_time_ms"`
}

// TaskResponse is the public view of a task record
type TaskResponse struct {
	TaskID           string            `json:"task_id"`
	TaskName         string            `json:"task_name"`
	Status           task.State        `json:"status"`
	Priority         int               `json:"priority"`
	PriorityName     string            `json:"priority_name"`
	Hint             task.Hint         `json:"execution_hint,omitempty"`
	Backend          task.Backend      `json:"backend,omitempty"`
	WorkerID         string            `json:"worker_id,omitempty"`
	AttemptCount     int               `json:"attempt_count"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	TimeoutSeconds   float64           `json:"timeout_seconds"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ProcessingTimeMs float64           `json:"processing_time_ms,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	History          []task.Transition `json:"history,omitempty"`
}

func convertTaskToResponse(t *task.Task, withHistory bool) TaskResponse {
	resp := TaskResponse{
		TaskID:           t.ID,
		TaskName:         t.Name,
		Status:           t.State,
		Priority:         t.Priority,
		PriorityName:     task.PriorityName(t.Priority),
		Hint:             t.Hint,
		Backend:          t.Backend,
		WorkerID:         t.WorkerID,
		AttemptCount:     t.AttemptCount,
		MaxRetries:       t.MaxRetries,
		TimeoutSeconds:   t.Timeout.Seconds(),
		SubmittedAt:      t.SubmittedAt,
		StartedAt:        t.StartedAt,
		CompletedAt:      t.FinishedAt,
		ProcessingTimeMs: float64(t.ProcessingTime) / float64(time.Millisecond),
		Result:           t.Result,
		ErrorMessage:     t.Error,
	}
	if t.AttemptCount > 1 {
		resp.RetryCount = t.AttemptCount - 1
	}
	if withHistory {
		resp.History = t.History
	}
	return resp
}

// ListResponse wraps a task listing
type ListResponse struct {
	Data      []TaskResponse `json:"data"`
	Total     int            `json:"total"`
	Limit     int            `json:"limit"`
	Timestamp time.Time      `json:"timestamp"`
}

// CancelResponse reports whether a cancel request was accepted
type CancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// CleanupResponse reports how many records were evicted
type CleanupResponse struct {
	Evicted        int     `json:"evicted"`
	OlderThanHours float64 `json:"older_than_hours"`
	Error          string  `json:"error,omitempty"`
}

// WorkersResponse is returned by GET /workers/status
type WorkersResponse struct {
	scheduler.WorkerStatus
	Timestamp time.Time `json:"timestamp"`
}

// HealthHistoryResponse lists past overall health results, oldest first
type HealthHistoryResponse struct {
	Data      []monitoring.HealthHistoryEntry `json:"data"`
	Total     int                             `json:"total"`
	Timestamp time.Time                       `json:"timestamp"`
}

// HistoryResponse lists persisted metrics snapshots, oldest first
type HistoryResponse struct {
	Data         []*storage.SnapshotRecord `json:"data"`
	Total        int                       `json:"total"`
	SinceMinutes float64                   `json:"since_minutes"`
	Timestamp    time.Time                 `json:"timestamp"`
}

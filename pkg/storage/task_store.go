package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// TaskFilter narrows List results
type TaskFilter struct {
	States []task.State
	Name   string
	Since  time.Time
	Limit  int
	Offset int
}

// TaskStore persists task records
type TaskStore struct {
	store *SQLiteStore
}

// NewTaskStore creates a task store on top of store
func NewTaskStore(store *SQLiteStore) *TaskStore {
	return &TaskStore{store: store}
}

const taskColumns = `id, seq, name, payload, priority, hint, status, backend,
	attempt_count, max_retries, timeout_ms, created_at, started_at, completed_at,
	result, error_message, processing_time_ms, worker_id, history`

// SaveTask inserts or replaces the record for t
func (s *TaskStore) SaveTask(ctx context.Context, t *task.Task) error {
	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	var result interface{}
	if t.Result != nil {
		result = string(t.Result)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			backend = excluded.backend,
			attempt_count = excluded.attempt_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error_message = excluded.error_message,
			processing_time_ms = excluded.processing_time_ms,
			worker_id = excluded.worker_id,
			history = excluded.history,
			updated_at = excluded.updated_at`

	_, err = s.store.Exec(ctx, query,
		t.ID, int64(t.Seq), t.Name, string(t.Payload), t.Priority, string(t.Hint),
		string(t.State), string(t.Backend), t.AttemptCount, t.MaxRetries,
		t.Timeout.Milliseconds(), t.SubmittedAt.UTC(), nullTime(t.StartedAt), nullTime(t.FinishedAt),
		result, t.Error, t.ProcessingTime.Milliseconds(), t.WorkerID, string(history),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}

	log.Debug().
		Str("task_id", t.ID).
		Str("status", string(t.State)).
		Msg("Task persisted")
	return nil
}

// Get loads one task
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.store.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks in submission order
func (s *TaskStore) List(ctx context.Context, filter TaskFilter) ([]*task.Task, error) {
	var where []string
	var args []interface{}

	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tasks, nil
}

// DeleteTerminalBefore removes completed, failed and cancelled tasks that
// finished before cutoff.
func (s *TaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.store.Exec(ctx,
		"DELETE FROM tasks WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?",
		string(task.StateCompleted), string(task.StateFailed), string(task.StateCancelled), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal tasks: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	log.Info().
		Int64("deleted", n).
		Time("cutoff", cutoff).
		Msg("Terminal tasks removed from store")
	return n, nil
}

// CountByState returns the number of stored tasks per state
func (s *TaskStore) CountByState(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.store.Query(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[task.State(state)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t                      task.Task
		seq                    int64
		payload, hint, state   string
		backend, history       string
		timeoutMs, processing  int64
		startedAt, completedAt sql.NullTime
		result                 sql.NullString
	)

	err := row.Scan(&t.ID, &seq, &t.Name, &payload, &t.Priority, &hint, &state, &backend,
		&t.AttemptCount, &t.MaxRetries, &timeoutMs, &t.SubmittedAt, &startedAt, &completedAt,
		&result, &t.Error, &processing, &t.WorkerID, &history)
	if err != nil {
		return nil, err
	}

	t.Seq = uint64(seq)
	t.Payload = json.RawMessage(payload)
	t.Hint = task.Hint(hint)
	t.State = task.State(state)
	t.Backend = task.Backend(backend)
	t.Timeout = time.Duration(timeoutMs) * time.Millisecond
	t.ProcessingTime = time.Duration(processing) * time.Millisecond
	if startedAt.Valid {
		v := startedAt.Time
		t.StartedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		t.FinishedAt = &v
	}
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(history), &t.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &t, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

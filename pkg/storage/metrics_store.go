package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
)

// SnapshotRecord is one persisted metrics snapshot
type SnapshotRecord struct {
	ID        int64              `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	Snapshot  scheduler.Snapshot `json:"snapshot"`
}

// SnapshotQuery selects snapshots in [Since, Until). Zero bounds are open.
type SnapshotQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// MetricsStore persists periodic scheduler metric snapshots
type MetricsStore struct {
	store     *SQLiteStore
	retention time.Duration
}

// NewMetricsStore creates a metrics store. A zero retention keeps everything.
func NewMetricsStore(store *SQLiteStore, retention time.Duration) *MetricsStore {
	return &MetricsStore{store: store, retention: retention}
}

// RecordSnapshot stores snap. The headline counters get their own columns so
// they can be queried without decoding the JSON body.
func (m *MetricsStore) RecordSnapshot(ctx context.Context, snap scheduler.Snapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var cpu, mem interface{}
	if snap.System != nil {
		cpu = snap.System.CPUPercent
		mem = snap.System.MemoryPercent
	}

	_, err = m.store.Exec(ctx, `
		INSERT INTO metric_snapshots (
			timestamp, submitted, completed, failed, cancelled, retries, in_flight,
			queue_depth, success_rate, throughput, mean_latency_ms, p95_latency_ms,
			cpu_percent, memory_percent, snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC(), snap.Submitted, snap.Completed, snap.Failed, snap.Cancelled,
		snap.Retries, snap.InFlight, snap.QueueDepth, snap.SuccessRate, snap.Throughput,
		snap.Latency.MeanMs, snap.Latency.P95Ms, cpu, mem, string(body))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	log.Debug().
		Int64("submitted", snap.Submitted).
		Int64("completed", snap.Completed).
		Int("queue_depth", snap.QueueDepth).
		Msg("Metrics snapshot recorded")

	if m.retention > 0 {
		if _, err := m.ApplyRetention(ctx, m.retention); err != nil {
			log.Warn().Err(err).Msg("Failed to apply snapshot retention")
		}
	}
	return nil
}

// Query returns snapshots oldest first
func (m *MetricsStore) Query(ctx context.Context, q SnapshotQuery) ([]*SnapshotRecord, error) {
	var where []string
	var args []interface{}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, q.Until.UTC())
	}

	query := "SELECT id, timestamp, snapshot FROM metric_snapshots"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []*SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var body string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &body); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot %d: %w", rec.ID, err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return records, nil
}

// ApplyRetention deletes snapshots older than maxAge
func (m *MetricsStore) ApplyRetention(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UTC()
	result, err := m.store.Exec(ctx, "DELETE FROM metric_snapshots WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to apply retention: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().
			Int64("deleted", n).
			Dur("max_age", maxAge).
			Msg("Old metric snapshots removed")
	}
	return n, nil
}

package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Migration represents a database migration
type Migration struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	Up          []string  `json:"up"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}

// MigrationStatus represents the status of a migration
type MigrationStatus struct {
	Version     int       `json:"version"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
}

// Migrator applies schema migrations in version order
type Migrator struct {
	store      *SQLiteStore
	migrations []Migration
}

// NewMigrator creates a new migrator instance
func NewMigrator(store *SQLiteStore) *Migrator {
	m := &Migrator{store: store}
	m.registerMigrations()
	return m
}

func (m *Migrator) registerMigrations() {
	m.add(1, "Task records", []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			payload TEXT NOT NULL,
			priority INTEGER NOT NULL,
			hint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			backend TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL,
			result TEXT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			worker_id TEXT NOT NULL DEFAULT '',
			history TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMP NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_completed_at ON tasks(completed_at)",
	})

	m.add(2, "Metric snapshots", []string{
		`CREATE TABLE IF NOT EXISTS metric_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			submitted INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			retries INTEGER NOT NULL,
			in_flight INTEGER NOT NULL,
			queue_depth INTEGER NOT NULL,
			success_rate REAL NOT NULL,
			throughput REAL NOT NULL,
			mean_latency_ms REAL NOT NULL,
			p95_latency_ms REAL NOT NULL,
			cpu_percent REAL NULL,
			memory_percent REAL NULL,
			snapshot TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_metric_snapshots_timestamp ON metric_snapshots(timestamp)",
	})
}

func (m *Migrator) add(version int, description string, up []string) {
	mig := Migration{Version: version, Description: description, Up: up}
	mig.Checksum = m.calculateChecksum(&mig)
	m.migrations = append(m.migrations, mig)
}

func (m *Migrator) calculateChecksum(migration *Migration) string {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%d:%s:", migration.Version, migration.Description)))
	for _, stmt := range migration.Up {
		hasher.Write([]byte(stmt))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.store.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
	return err
}

// Migrate applies all pending migrations. A recorded checksum that differs
// from the registered one is an error.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := m.Applied(ctx)
	if err != nil {
		return err
	}
	recorded := make(map[int]string, len(applied))
	for _, a := range applied {
		recorded[a.Version] = a.Checksum
	}

	for i := range m.migrations {
		mig := &m.migrations[i]
		if sum, ok := recorded[mig.Version]; ok {
			if sum != mig.Checksum {
				return fmt.Errorf("migration %d checksum mismatch", mig.Version)
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", mig.Version, err)
		}
		log.Info().
			Int("version", mig.Version).
			Str("description", mig.Description).
			Msg("Migration applied successfully")
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, migration *Migration) error {
	tx, err := m.store.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, statement := range migration.Up {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
		}
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO migrations (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)",
		migration.Version, migration.Description, migration.Checksum, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Applied returns the recorded migrations in version order
func (m *Migrator) Applied(ctx context.Context) ([]MigrationStatus, error) {
	rows, err := m.store.Query(ctx, "SELECT version, description, checksum, applied_at FROM migrations ORDER BY version ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []MigrationStatus
	for rows.Next() {
		var status MigrationStatus
		if err := rows.Scan(&status.Version, &status.Description, &status.Checksum, &status.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration status: %w", err)
		}
		applied = append(applied, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return applied, nil
}

// Latest returns the highest registered migration version
func (m *Migrator) Latest() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

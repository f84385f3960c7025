package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store is closed")

// SQLiteStore owns the database handle shared by the task and metrics stores
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	metrics storageCounters
	mu      sync.RWMutex
	closed  bool
}

type storageCounters struct {
	queries      atomic.Int64
	transactions atomic.Int64
	errors       atomic.Int64
}

// StorageMetrics tracks storage usage
type StorageMetrics struct {
	QueryCount       int64 `json:"query_count"`
	TransactionCount int64 `json:"transaction_count"`
	ErrorCount       int64 `json:"error_count"`
	DatabaseSize     int64 `json:"database_size"`
}

// Transaction wraps a database transaction with rollback-after-commit safety
type Transaction struct {
	tx     *sql.Tx
	store  *SQLiteStore
	active bool
	mu     sync.Mutex
}

// Config holds SQLiteStore configuration
type Config struct {
	DatabasePath    string        `json:"database_path" yaml:"database_path" mapstructure:"database_path"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns default SQLite configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "data/taskscheduler.db",
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// NewSQLiteStore opens the database and applies pending migrations
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-16000&_temp_store=MEMORY", config.DatabasePath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &SQLiteStore{db: db, dbPath: config.DatabasePath}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := NewMigrator(store).Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().
		Str("database_path", config.DatabasePath).
		Int("max_open_conns", config.MaxOpenConns).
		Msg("SQLite store initialized successfully")

	return store, nil
}

// BeginTransaction starts a new database transaction
func (s *SQLiteStore) BeginTransaction(ctx context.Context) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.metrics.errors.Add(1)
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.metrics.transactions.Add(1)

	return &Transaction{tx: tx, store: s, active: true}, nil
}

// Commit commits the transaction
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return fmt.Errorf("transaction is not active")
	}

	err := t.tx.Commit()
	t.active = false
	if err != nil {
		t.store.metrics.errors.Add(1)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. It is a no-op after Commit.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil
	}

	err := t.tx.Rollback()
	t.active = false
	if err != nil {
		t.store.metrics.errors.Add(1)
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	return nil
}

// Exec executes a statement within the transaction
func (t *Transaction) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return nil, fmt.Errorf("transaction is not active")
	}

	t.store.metrics.queries.Add(1)
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		t.store.metrics.errors.Add(1)
	}
	return result, err
}

// Exec executes a statement outside of a transaction
func (s *SQLiteStore) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.metrics.queries.Add(1)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.metrics.errors.Add(1)
	}
	return result, err
}

// Query executes a query outside of a transaction
func (s *SQLiteStore) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	s.metrics.queries.Add(1)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.metrics.errors.Add(1)
	}
	return rows, err
}

// QueryRow executes a single-row query outside of a transaction
func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.metrics.queries.Add(1)
	return s.db.QueryRowContext(ctx, query, args...)
}

// PingContext verifies the database is reachable
func (s *SQLiteStore) PingContext(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// GetMetrics returns current storage metrics
func (s *SQLiteStore) GetMetrics() StorageMetrics {
	m := StorageMetrics{
		QueryCount:       s.metrics.queries.Load(),
		TransactionCount: s.metrics.transactions.Load(),
		ErrorCount:       s.metrics.errors.Load(),
	}
	if stat, err := os.Stat(s.dbPath); err == nil {
		m.DatabaseSize = stat.Size()
	}
	return m
}

// CheckIntegrity runs PRAGMA integrity_check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := s.QueryRow(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("failed to check integrity: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.mu.Unlock()

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	log.Info().Msg("SQLite store closed successfully")
	return nil
}

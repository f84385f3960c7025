package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t testing.TB) *SQLiteStore {
	t.Helper()
	config := &Config{
		DatabasePath:    filepath.Join(t.TempDir(), "nested", "test.db"),
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
	}
	store, err := NewSQLiteStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var result int
	require.NoError(t, store.QueryRow(ctx, "SELECT 1").Scan(&result))
	assert.Equal(t, 1, result)

	assert.NoError(t, store.PingContext(ctx))
	assert.NoError(t, store.CheckIntegrity(ctx))

	for _, table := range []string{"tasks", "metric_snapshots", "migrations"} {
		var name string
		err := store.QueryRow(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestMigrator_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := NewMigrator(store)
	require.NoError(t, m.Migrate(ctx))

	applied, err := m.Applied(ctx)
	require.NoError(t, err)
	require.Len(t, applied, m.Latest())
	assert.Equal(t, 1, applied[0].Version)
	assert.NotEmpty(t, applied[0].Checksum)

	_, err = store.Exec(ctx, "UPDATE migrations SET checksum = 'tampered' WHERE version = 1")
	require.NoError(t, err)
	assert.Error(t, NewMigrator(store).Migrate(ctx))
}

func TestSQLiteStore_Transactions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	insert := "INSERT INTO migrations (version, description, checksum, applied_at) VALUES (?, ?, ?, ?)"

	t.Run("commit", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, insert, 100, "test", "x", time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")

		var n int
		require.NoError(t, store.QueryRow(ctx, "SELECT COUNT(*) FROM migrations WHERE version = 100").Scan(&n))
		assert.Equal(t, 1, n)
	})

	t.Run("rollback", func(t *testing.T) {
		tx, err := store.BeginTransaction(ctx)
		require.NoError(t, err)
		_, err = tx.Exec(ctx, insert, 101, "test", "x", time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
		assert.Error(t, tx.Commit())

		var n int
		require.NoError(t, store.QueryRow(ctx, "SELECT COUNT(*) FROM migrations WHERE version = 101").Scan(&n))
		assert.Equal(t, 0, n)
	})

	m := store.GetMetrics()
	assert.Greater(t, m.QueryCount, int64(0))
	assert.GreaterOrEqual(t, m.TransactionCount, int64(2))
	assert.Greater(t, m.DatabaseSize, int64(0))
}

func TestSQLiteStore_Closed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err := store.Exec(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = store.BeginTransaction(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.PingContext(ctx), ErrClosed)
}

func BenchmarkTaskStore_Save(b *testing.B) {
	store := setupTestStore(b)
	tasks := NewTaskStore(store)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := tasks.SaveTask(ctx, newStoredTask(fmt.Sprintf("bench-%d", i), uint64(i))); err != nil {
			b.Fatal(err)
		}
	}
}

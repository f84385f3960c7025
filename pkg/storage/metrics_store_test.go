package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
)

var _ scheduler.SnapshotStore = (*MetricsStore)(nil)

func TestMetricsStore_RecordAndQuery(t *testing.T) {
	metrics := NewMetricsStore(setupTestStore(t), 0)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		snap := scheduler.Snapshot{
			Timestamp:   now.Add(time.Duration(i-3) * time.Minute),
			Submitted:   int64(10 * (i + 1)),
			Completed:   int64(5 * (i + 1)),
			QueueDepth:  i,
			SuccessRate: 0.5,
			Latency:     scheduler.LatencyStats{Samples: 2, MeanMs: 12.5, P95Ms: 20},
		}
		if i == 2 {
			snap.System = &monitoring.SystemMetrics{CPUPercent: 42, MemoryPercent: 61}
		}
		require.NoError(t, metrics.RecordSnapshot(ctx, snap))
	}

	all, err := metrics.Query(ctx, SnapshotQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(10), all[0].Snapshot.Submitted)
	assert.Equal(t, 12.5, all[0].Snapshot.Latency.MeanMs)
	require.NotNil(t, all[2].Snapshot.System)
	assert.Equal(t, 42.0, all[2].Snapshot.System.CPUPercent)

	recent, err := metrics.Query(ctx, SnapshotQuery{Since: now.Add(-150 * time.Second)})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 1, recent[0].Snapshot.QueueDepth)

	limited, err := metrics.Query(ctx, SnapshotQuery{Until: now, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	var cpu float64
	require.NoError(t, metrics.store.QueryRow(ctx, "SELECT cpu_percent FROM metric_snapshots WHERE cpu_percent IS NOT NULL").Scan(&cpu))
	assert.Equal(t, 42.0, cpu)
}

func TestMetricsStore_Retention(t *testing.T) {
	metrics := NewMetricsStore(setupTestStore(t), time.Hour)
	ctx := context.Background()

	require.NoError(t, metrics.RecordSnapshot(ctx, scheduler.Snapshot{Timestamp: time.Now().Add(-2 * time.Hour)}))
	// stale snapshots are swept on every write
	require.NoError(t, metrics.RecordSnapshot(ctx, scheduler.Snapshot{}))

	all, err := metrics.Query(ctx, SnapshotQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Timestamp.IsZero())

	n, err := metrics.ApplyRetention(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

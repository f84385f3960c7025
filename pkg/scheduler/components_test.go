package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// slotPool is a Pool stand-in that only reports free slots
type slotPool struct {
	runtime.Pool
	free int
}

func (p *slotPool) Available() int { return p.free }

func TestSelector(t *testing.T) {
	pools := map[task.Backend]runtime.Pool{
		task.BackendProcess: &slotPool{free: 1},
		task.BackendThread:  &slotPool{free: 1},
	}

	s := NewSelector(false)
	assert.Equal(t, task.BackendProcess, s.Preferred(task.HintCPUBound, ""))
	assert.Equal(t, task.BackendThread, s.Preferred(task.HintIOBound, ""))
	assert.Equal(t, task.BackendThread, s.Preferred("", ""))
	assert.Equal(t, task.BackendThread, s.Preferred(task.HintCPUBound, task.BackendThread), "assigned backend is sticky")

	b, ok := s.Select(QueueEntry{Hint: task.HintCPUBound}, pools)
	require.True(t, ok)
	assert.Equal(t, task.BackendProcess, b)

	pools[task.BackendProcess].(*slotPool).free = 0
	_, ok = s.Select(QueueEntry{Hint: task.HintCPUBound}, pools)
	assert.False(t, ok, "no overflow unless configured")

	overflow := NewSelector(true)
	b, ok = overflow.Select(QueueEntry{Hint: task.HintCPUBound}, pools)
	require.True(t, ok)
	assert.Equal(t, task.BackendThread, b)

	_, ok = overflow.Select(QueueEntry{Hint: task.HintCPUBound, Backend: task.BackendProcess}, pools)
	assert.False(t, ok, "retries never overflow")

	pools[task.BackendThread].(*slotPool).free = 0
	_, ok = overflow.Select(QueueEntry{Hint: task.HintIOBound}, pools)
	assert.False(t, ok)
}

func TestRetryController_Decide(t *testing.T) {
	rc := NewRetryController(&resilience.RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Policy:     resilience.RetryPolicyExponential,
	})

	tk := &task.Task{MaxRetries: 2, AttemptCount: 1}
	retry, delay := rc.Decide(tk)
	assert.True(t, retry)
	assert.Equal(t, 100*time.Millisecond, delay)

	tk.AttemptCount = 2
	retry, delay = rc.Decide(tk)
	assert.True(t, retry)
	assert.Equal(t, 200*time.Millisecond, delay)

	tk.AttemptCount = 3
	retry, _ = rc.Decide(tk)
	assert.False(t, retry, "attempt_count may not exceed max_retries + 1")

	retry, _ = rc.Decide(&task.Task{MaxRetries: 0, AttemptCount: 1})
	assert.False(t, retry)
}

func TestRetryController_ScheduleAndCancel(t *testing.T) {
	rc := NewRetryController(resilience.DefaultRetryConfig())

	fired := make(chan string, 2)
	require.True(t, rc.Schedule("a", 10*time.Millisecond, func(id string) { fired <- id }))
	require.True(t, rc.Schedule("b", 50*time.Millisecond, func(id string) { fired <- id }))
	assert.Equal(t, 2, rc.Pending())

	assert.True(t, rc.Cancel("b"))
	assert.False(t, rc.Cancel("b"))

	select {
	case id := <-fired:
		assert.Equal(t, "a", id)
	case <-time.After(time.Second):
		t.Fatal("retry did not fire")
	}

	select {
	case id := <-fired:
		t.Fatalf("cancelled retry %s fired", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, rc.Pending())

	require.True(t, rc.Schedule("c", time.Hour, func(string) {}))
	assert.Equal(t, []string{"c"}, rc.Stop())
	assert.False(t, rc.Schedule("d", time.Millisecond, func(string) {}), "stopped controller refuses new retries")
}

func TestAggregator_Counters(t *testing.T) {
	a := NewAggregator(MetricsConfig{ThroughputWindow: time.Minute, LatencySamples: 3, SampleBuffer: 16})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for i := 0; i < 5; i++ {
		a.RecordSubmitted()
	}
	now := time.Now()
	a.RecordTerminal(task.StateCompleted, 10*time.Millisecond, now)
	a.RecordTerminal(task.StateCompleted, 30*time.Millisecond, now)
	a.RecordTerminal(task.StateFailed, time.Second, now)
	a.RecordTerminal(task.StateCancelled, 0, now)
	a.RecordTerminal(task.StateRunning, 0, now)
	a.RecordRetry()

	assert.Eventually(t, func() bool {
		return a.Snapshot(Gauges{}).Latency.Samples == 2
	}, time.Second, 5*time.Millisecond)

	snap := a.Snapshot(Gauges{
		QueueDepth: 1,
		Pools: []runtime.PoolStats{
			{Backend: task.BackendProcess, Capacity: 4, Active: 1},
			{Backend: task.BackendThread, Capacity: 2, Active: 2},
		},
	})

	assert.Equal(t, int64(5), snap.Submitted)
	assert.Equal(t, int64(2), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Cancelled)
	assert.Equal(t, int64(1), snap.InFlight)
	assert.Equal(t, int64(1), snap.Retries)
	assert.True(t, snap.Conserved())
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 0.001)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, 0.25, snap.Pools[task.BackendProcess].Utilization)
	assert.Equal(t, 1.0, snap.Pools[task.BackendThread].Utilization)
	assert.InDelta(t, 20.0, snap.Latency.MeanMs, 0.001)
	assert.InDelta(t, 10.0, snap.Latency.MinMs, 0.001)
	assert.InDelta(t, 30.0, snap.Latency.MaxMs, 0.001)
	assert.InDelta(t, 2.0/60.0, snap.Throughput, 0.001)
	assert.Equal(t, 20*time.Millisecond, a.AverageLatency())
}

func TestAggregator_OutOfOrderCompletions(t *testing.T) {
	a := NewAggregator(MetricsConfig{ThroughputWindow: time.Minute, LatencySamples: 10, SampleBuffer: 16})

	now := time.Now()
	a.record(latencySample{latency: time.Millisecond, finished: now})
	a.record(latencySample{latency: time.Millisecond, finished: now.Add(-2 * time.Minute)})
	a.record(latencySample{latency: time.Millisecond, finished: now.Add(-30 * time.Second)})

	a.mu.RLock()
	completions := append([]time.Time(nil), a.completions...)
	a.mu.RUnlock()
	assert.True(t, sort.SliceIsSorted(completions, func(i, j int) bool { return completions[i].Before(completions[j]) }))

	snap := a.Snapshot(Gauges{})
	assert.InDelta(t, 2.0/60.0, snap.Throughput, 0.001, "the stale completion falls outside the window")
}

func TestAggregator_DropsWhenBehind(t *testing.T) {
	a := NewAggregator(MetricsConfig{SampleBuffer: 1})

	a.RecordSubmitted()
	a.RecordSubmitted()
	a.RecordTerminal(task.StateCompleted, time.Millisecond, time.Now())
	a.RecordTerminal(task.StateCompleted, time.Millisecond, time.Now())

	snap := a.Snapshot(Gauges{})
	assert.Equal(t, int64(2), snap.Completed, "counters never depend on the sample channel")
	assert.Equal(t, int64(1), snap.DroppedSamples)
}

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}
	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 0.50))
	assert.Equal(t, 95*time.Millisecond, percentile(sorted, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 0.99))
	assert.Equal(t, LatencyStats{}, summarize(nil))
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	fast := bus.Subscribe(10)
	slow := bus.Subscribe(1)

	tk := newRegistryTask("e1", 1, "compute")
	bus.Publish(eventFor(EventSubmitted, tk))
	bus.Publish(eventFor(EventDispatched, tk))

	first := <-fast.C
	assert.Equal(t, EventSubmitted, first.Type)
	assert.Equal(t, "e1", first.TaskID)
	assert.Equal(t, EventDispatched, (<-fast.C).Type)

	assert.Equal(t, EventSubmitted, (<-slow.C).Type)
	assert.Equal(t, int64(1), slow.Dropped())

	m := bus.Metrics()
	assert.Equal(t, int64(2), m.EventsPublished)
	assert.Equal(t, int64(3), m.EventsDelivered)
	assert.Equal(t, int64(1), m.EventsDropped)
	assert.Equal(t, 2, m.ActiveSubscribers)

	assert.True(t, bus.Unsubscribe(slow.ID))
	assert.False(t, bus.Unsubscribe(slow.ID))
	_, open := <-slow.C
	assert.False(t, open)

	bus.Close()
	_, open = <-fast.C
	assert.False(t, open)
	bus.Publish(eventFor(EventCompleted, tk))

	late := bus.Subscribe(1)
	_, open = <-late.C
	assert.False(t, open, "subscriptions after close are already closed")
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	sub := bus.Subscribe(1000)
	tk := newRegistryTask("c", 1, "compute")

	var published atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 50; j++ {
				bus.Publish(eventFor(EventSubmitted, tk))
				published.Add(1)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, int64(500), published.Load())
	assert.Len(t, sub.C, 500)
}

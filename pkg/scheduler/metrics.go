package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// MetricsConfig holds configuration for the metrics aggregator
type MetricsConfig struct {
	ThroughputWindow time.Duration `json:"throughput_window"`
	LatencySamples   int           `json:"latency_samples"`
	SampleBuffer     int           `json:"sample_buffer"`
}

// DefaultMetricsConfig returns default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		ThroughputWindow: time.Minute,
		LatencySamples:   1000,
		SampleBuffer:     1024,
	}
}

// LatencyStats summarizes submission-to-completion latency
type LatencyStats struct {
	Samples int     `json:"samples"`
	MeanMs  float64 `json:"mean_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`
	P50Ms   float64 `json:"p50_ms"`
	P95Ms   float64 `json:"p95_ms"`
	P99Ms   float64 `json:"p99_ms"`
}

// PoolUtilization is the occupancy of one pool
type PoolUtilization struct {
	Capacity    int     `json:"capacity"`
	Active      int     `json:"active"`
	Utilization float64 `json:"utilization"`
}

// Snapshot is a read-only copy of the scheduler metrics
type Snapshot struct {
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`

	Submitted int64 `json:"total_submitted"`
	Completed int64 `json:"total_completed"`
	Failed    int64 `json:"total_failed"`
	Cancelled int64 `json:"total_cancelled"`
	Retries   int64 `json:"total_retries"`
	InFlight  int64 `json:"in_flight"`

	QueueDepth int `json:"queue_depth"`
	Running    int `json:"running"`
	Retrying   int `json:"retrying"`

	// States counts the records still held in the registry
	States map[task.State]int `json:"states,omitempty"`

	SuccessRate             float64      `json:"success_rate"`
	Throughput              float64      `json:"throughput_per_second"`
	ThroughputWindowSeconds float64      `json:"throughput_window_seconds"`
	Latency                 LatencyStats `json:"latency"`

	Pools          map[task.Backend]PoolUtilization `json:"pools"`
	DroppedSamples int64                            `json:"dropped_samples"`

	System *monitoring.SystemMetrics `json:"system,omitempty"`
}

// Conserved reports whether every submitted task is accounted for
func (s Snapshot) Conserved() bool {
	return s.Submitted == s.Completed+s.Failed+s.Cancelled+s.InFlight
}

// Gauges are the instantaneous values merged into a snapshot
type Gauges struct {
	QueueDepth int
	Running    int
	Retrying   int
	States     map[task.State]int
	Pools      []runtime.PoolStats
	System     *monitoring.SystemMetrics
}

type latencySample struct {
	latency  time.Duration
	finished time.Time
}

// Aggregator maintains scheduler counters. Counters are updated inline with
// atomics; latency and throughput samples go through a buffered channel to a
// background goroutine and are dropped when it falls behind.
type Aggregator struct {
	config    MetricsConfig
	startedAt time.Time

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	retries   atomic.Int64
	inFlight  atomic.Int64
	dropped   atomic.Int64

	samples chan latencySample

	mu          sync.RWMutex
	latencies   []time.Duration
	next        int
	completions []time.Time
}

// NewAggregator creates an aggregator
func NewAggregator(config MetricsConfig) *Aggregator {
	defaults := DefaultMetricsConfig()
	if config.ThroughputWindow <= 0 {
		config.ThroughputWindow = defaults.ThroughputWindow
	}
	if config.LatencySamples <= 0 {
		config.LatencySamples = defaults.LatencySamples
	}
	if config.SampleBuffer <= 0 {
		config.SampleBuffer = defaults.SampleBuffer
	}

	return &Aggregator{
		config:    config,
		startedAt: time.Now(),
		samples:   make(chan latencySample, config.SampleBuffer),
		latencies: make([]time.Duration, 0, config.LatencySamples),
	}
}

// Run consumes samples until ctx is done
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case s := <-a.samples:
			a.record(s)
		}
	}
}

func (a *Aggregator) drain() {
	for {
		select {
		case s := <-a.samples:
			a.record(s)
		default:
			return
		}
	}
}

func (a *Aggregator) record(s latencySample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.latencies) < a.config.LatencySamples {
		a.latencies = append(a.latencies, s.latency)
	} else {
		a.latencies[a.next] = s.latency
		a.next = (a.next + 1) % a.config.LatencySamples
	}

	// samples can arrive out of order; keep completions sorted by finish time
	i := sort.Search(len(a.completions), func(i int) bool { return a.completions[i].After(s.finished) })
	a.completions = append(a.completions, time.Time{})
	copy(a.completions[i+1:], a.completions[i:])
	a.completions[i] = s.finished
	a.trim(time.Now())
}

// trim drops completions older than the throughput window; caller holds mu
// and completions is sorted
func (a *Aggregator) trim(now time.Time) {
	cutoff := now.Add(-a.config.ThroughputWindow)
	i := sort.Search(len(a.completions), func(i int) bool { return !a.completions[i].Before(cutoff) })
	if i > 0 {
		a.completions = append(a.completions[:0], a.completions[i:]...)
	}
}

// RecordSubmitted counts an accepted submission
func (a *Aggregator) RecordSubmitted() {
	a.submitted.Add(1)
	a.inFlight.Add(1)
}

// RecordRetry counts a scheduled retry
func (a *Aggregator) RecordRetry() {
	a.retries.Add(1)
}

// RecordTerminal counts a task reaching state. Only the winning transition
// of a task may call it, so each task is counted once.
func (a *Aggregator) RecordTerminal(state task.State, latency time.Duration, finished time.Time) {
	switch state {
	case task.StateCompleted:
		a.completed.Add(1)
	case task.StateFailed:
		a.failed.Add(1)
	case task.StateCancelled:
		a.cancelled.Add(1)
	default:
		return
	}
	a.inFlight.Add(-1)

	if state != task.StateCompleted {
		return
	}
	select {
	case a.samples <- latencySample{latency: latency, finished: finished}:
	default:
		a.dropped.Add(1)
	}
}

// AverageLatency returns the mean completed latency, or 0 without samples
func (a *Aggregator) AverageLatency() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range a.latencies {
		total += l
	}
	return total / time.Duration(len(a.latencies))
}

// Snapshot returns the current metrics merged with g
func (a *Aggregator) Snapshot(g Gauges) Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:               now,
		UptimeSeconds:           now.Sub(a.startedAt).Seconds(),
		Submitted:               a.submitted.Load(),
		Completed:               a.completed.Load(),
		Failed:                  a.failed.Load(),
		Cancelled:               a.cancelled.Load(),
		Retries:                 a.retries.Load(),
		InFlight:                a.inFlight.Load(),
		QueueDepth:              g.QueueDepth,
		Running:                 g.Running,
		Retrying:                g.Retrying,
		States:                  g.States,
		ThroughputWindowSeconds: a.config.ThroughputWindow.Seconds(),
		Pools:                   make(map[task.Backend]PoolUtilization, len(g.Pools)),
		DroppedSamples:          a.dropped.Load(),
		System:                  g.System,
	}

	if finished := s.Completed + s.Failed; finished > 0 {
		s.SuccessRate = float64(s.Completed) / float64(finished)
	}

	for _, p := range g.Pools {
		s.Pools[p.Backend] = PoolUtilization{
			Capacity:    p.Capacity,
			Active:      p.Active,
			Utilization: p.Utilization(),
		}
	}

	a.mu.Lock()
	a.trim(now)
	s.Throughput = float64(len(a.completions)) / a.config.ThroughputWindow.Seconds()
	latencies := make([]time.Duration, len(a.latencies))
	copy(latencies, a.latencies)
	a.mu.Unlock()

	s.Latency = summarize(latencies)
	return s
}

func summarize(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}

	return LatencyStats{
		Samples: len(latencies),
		MeanMs:  ms(total / time.Duration(len(latencies))),
		MinMs:   ms(latencies[0]),
		MaxMs:   ms(latencies[len(latencies)-1]),
		P50Ms:   ms(percentile(latencies, 0.50)),
		P95Ms:   ms(percentile(latencies, 0.95)),
		P99Ms:   ms(percentile(latencies, 0.99)),
	}
}

// percentile uses nearest rank on sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(p*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxrunner/taskscheduler/pkg/monitoring"
	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

const tracerName = "github.com/sandboxrunner/taskscheduler/pkg/scheduler"

var errStale = errors.New("stale event")

// Config holds configuration for the Scheduler
type Config struct {
	MaxQueueSize int `json:"max_queue_size"`

	// AllowOverflow lets a first dispatch use the other backend when the
	// preferred pool is full
	AllowOverflow bool `json:"allow_overflow"`

	// SubmitTimeout bounds how long the loop waits for a pool slot
	SubmitTimeout time.Duration `json:"submit_timeout"`

	// DefaultLatency is used for start estimates before any task completes
	DefaultLatency time.Duration `json:"default_latency"`

	SnapshotInterval time.Duration `json:"snapshot_interval"`
	PersistBuffer    int           `json:"persist_buffer"`
	EventBuffer      int           `json:"event_buffer"`

	Retry   *resilience.RetryConfig `json:"retry"`
	Metrics MetricsConfig          `json:"metrics"`

	// StorageBreaker guards task and snapshot writes; nil uses defaults
	StorageBreaker *resilience.CircuitBreakerConfig `json:"storage_breaker,omitempty"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:     100,
		SubmitTimeout:    time.Second,
		DefaultLatency:   30 * time.Second,
		SnapshotInterval: time.Minute,
		PersistBuffer:    1024,
		EventBuffer:      256,
		Retry:            resilience.DefaultRetryConfig(),
		Metrics:          DefaultMetricsConfig(),
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive")
	}
	if c.SubmitTimeout <= 0 {
		return fmt.Errorf("submit timeout must be positive")
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval must not be negative")
	}
	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validator checks a submission before it is accepted
type Validator interface {
	Validate(spec *task.Spec) error
}

// TaskStore persists task records
type TaskStore interface {
	SaveTask(ctx context.Context, t *task.Task) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SnapshotStore persists metrics snapshots
type SnapshotStore interface {
	RecordSnapshot(ctx context.Context, s Snapshot) error
}

// SystemSource supplies host metrics for snapshots
type SystemSource interface {
	Collect(ctx context.Context) (*monitoring.SystemMetrics, error)
}

// Deps are the collaborators of a Scheduler. Both pools are required.
type Deps struct {
	ProcessPool runtime.Pool
	ThreadPool  runtime.Pool

	Validator Validator
	Tasks     TaskStore
	Snapshots SnapshotStore
	System    SystemSource
	Events    *EventBus
	Logger    *zerolog.Logger
}

// SubmitResult is returned for an accepted submission
type SubmitResult struct {
	ID             string     `json:"task_id"`
	State          task.State `json:"status"`
	QueuePosition  int        `json:"queue_position"`
	EstimatedStart time.Time  `json:"estimated_start_time"`
}

// WorkerStatus describes pool occupancy
type WorkerStatus struct {
	Pools         []runtime.PoolStats `json:"pools"`
	TotalCapacity int                 `json:"total_workers"`
	ActiveWorkers int                 `json:"active_workers"`
	IdleWorkers   int                 `json:"idle_workers"`
	Running       int                 `json:"running_tasks"`
	QueueDepth    int                 `json:"queue_size"`
}

type attempt struct {
	handle *runtime.Handle
	pool   runtime.Pool
	span   trace.Span
}

// Scheduler accepts tasks, dispatches them to pools in priority order and
// drives each task through its lifecycle.
type Scheduler struct {
	config Config
	logger zerolog.Logger

	queue    *Queue
	registry *Registry
	selector *Selector
	retry    *RetryController
	metrics  *Aggregator
	events   *EventBus
	pools    map[task.Backend]runtime.Pool

	validator Validator
	tasks     TaskStore
	snapshots SnapshotStore
	system    SystemSource
	breaker   *resilience.CircuitBreaker
	tracer    trace.Tracer

	seq      atomic.Uint64
	admitMu  sync.Mutex
	wake     chan struct{}
	persist  chan *task.Task
	running  atomic.Bool
	stopping atomic.Bool

	mu       sync.Mutex
	attempts map[string]*attempt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a scheduler. A missing pool is fatal.
func New(config Config, deps Deps) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if deps.ProcessPool == nil {
		return nil, fmt.Errorf("process pool unavailable")
	}
	if deps.ThreadPool == nil {
		return nil, fmt.Errorf("thread pool unavailable")
	}

	logger := log.With().Str("component", "scheduler").Logger()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	if config.PersistBuffer <= 0 {
		config.PersistBuffer = DefaultConfig().PersistBuffer
	}

	events := deps.Events
	if events == nil {
		events = NewEventBus()
	}

	breakerConfig := resilience.DefaultCircuitBreakerConfig()
	if config.StorageBreaker != nil {
		bc := *config.StorageBreaker
		breakerConfig = &bc
	}
	breakerConfig.Name = "storage"

	s := &Scheduler{
		config:   config,
		logger:   logger,
		queue:    NewQueue(),
		registry: NewRegistry(),
		selector: NewSelector(config.AllowOverflow),
		retry:    NewRetryController(config.Retry),
		metrics:  NewAggregator(config.Metrics),
		events:   events,
		pools: map[task.Backend]runtime.Pool{
			task.BackendProcess: deps.ProcessPool,
			task.BackendThread:  deps.ThreadPool,
		},
		validator: deps.Validator,
		tasks:     deps.Tasks,
		snapshots: deps.Snapshots,
		system:    deps.System,
		breaker:   resilience.NewCircuitBreaker(breakerConfig),
		tracer:    otel.Tracer(tracerName),
		wake:      make(chan struct{}, 1),
		persist:   make(chan *task.Task, config.PersistBuffer),
		attempts:  make(map[string]*attempt),
	}

	for _, p := range s.pools {
		p.OnRelease(s.signal)
	}

	return s, nil
}

// Start launches the dispatch loop and background workers
func (s *Scheduler) Start(ctx context.Context) error {
	if s.stopping.Load() {
		return task.ErrSchedulerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.loop(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.metrics.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.persistLoop(s.ctx)
	}()

	if s.snapshots != nil && s.config.SnapshotInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.snapshotLoop(s.ctx)
		}()
	}

	s.logger.Info().
		Int("process_capacity", s.pools[task.BackendProcess].Capacity()).
		Int("thread_capacity", s.pools[task.BackendThread].Capacity()).
		Int("max_queue_size", s.config.MaxQueueSize).
		Bool("allow_overflow", s.config.AllowOverflow).
		Msg("Scheduler started")

	s.signal()
	return nil
}

// Stop halts dispatch, closes the pools and returns once the background
// goroutines exit. Running attempts are cancelled rather than drained, tasks
// waiting out a backoff are cancelled, and queued tasks stay pending.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.running.Load() || !s.stopping.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info().Msg("Stopping scheduler")
	for _, id := range s.retry.Stop() {
		s.abandonRetry(id)
	}

	var errs []error
	for backend, p := range s.pools {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s pool: %w", backend, err))
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", ctx.Err()))
	}

	s.running.Store(false)
	s.events.Close()
	s.logger.Info().Msg("Scheduler stopped")
	return errors.Join(errs...)
}

// Running reports whether the dispatch loop is active
func (s *Scheduler) Running() bool {
	return s.running.Load() && !s.stopping.Load()
}

// Events returns the lifecycle event bus
func (s *Scheduler) Events() *EventBus {
	return s.events
}

// Subscribe registers a lifecycle event subscriber
func (s *Scheduler) Subscribe() *Subscription {
	return s.events.Subscribe(s.config.EventBuffer)
}

// Unsubscribe removes a subscriber created by Subscribe
func (s *Scheduler) Unsubscribe(sub *Subscription) {
	s.events.Unsubscribe(sub.ID)
}

// QueueDepth returns the number of queued tasks
func (s *Scheduler) QueueDepth() int {
	return s.queue.Len()
}

// StorageHealth reports the storage circuit breaker counters
func (s *Scheduler) StorageHealth() resilience.CircuitBreakerMetrics {
	return s.breaker.Metrics()
}

// Submit validates spec, registers a pending task and queues it
func (s *Scheduler) Submit(ctx context.Context, spec task.Spec) (*SubmitResult, error) {
	if s.validator != nil {
		if err := s.validator.Validate(&spec); err != nil {
			return nil, err
		}
	} else if err := spec.Validate(); err != nil {
		return nil, err
	}

	if !s.Running() {
		return nil, task.ErrSchedulerStopped
	}

	s.admitMu.Lock()
	if s.queue.Len() >= s.config.MaxQueueSize {
		s.admitMu.Unlock()
		return nil, fmt.Errorf("%w (max %d)", task.ErrQueueFull, s.config.MaxQueueSize)
	}

	now := time.Now()
	t := task.New(uuid.New().String(), s.seq.Add(1), spec, now)
	if err := s.registry.Insert(t); err != nil {
		s.admitMu.Unlock()
		return nil, err
	}
	s.queue.Push(entryFor(t))
	s.metrics.RecordSubmitted()
	s.admitMu.Unlock()

	s.publish(EventSubmitted, t)
	s.save(t)

	position := s.queue.Position(t.ID)
	result := &SubmitResult{
		ID:             t.ID,
		State:          task.StatePending,
		QueuePosition:  position,
		EstimatedStart: s.estimateStart(now, position),
	}

	s.logger.Info().
		Str("task_id", t.ID).
		Str("task_name", t.Name).
		Int("priority", t.Priority).
		Str("hint", string(t.Hint)).
		Int("queue_position", position).
		Msg("Task submitted")

	s.signal()
	return result, nil
}

func (s *Scheduler) estimateStart(now time.Time, position int) time.Time {
	avg := s.metrics.AverageLatency()
	if avg <= 0 {
		avg = s.config.DefaultLatency
	}
	capacity := 0
	for _, p := range s.pools {
		capacity += p.Capacity()
	}
	if capacity == 0 || position <= 0 {
		return now
	}
	return now.Add(time.Duration(position) * avg / time.Duration(capacity))
}

// Status returns the current record for id
func (s *Scheduler) Status(id string) (*task.Task, error) {
	return s.registry.Get(id)
}

// List returns records matching filter
func (s *Scheduler) List(filter Filter) []*task.Task {
	return s.registry.List(filter)
}

// Cancel cancels id. It returns false without error if the task is already
// terminal. A running attempt is signalled; its late completion is dropped.
func (s *Scheduler) Cancel(id string) (bool, error) {
	var prev task.State
	now := time.Now()

	t, err := s.registry.Update(id, func(t *task.Task) error {
		prev = t.State
		if err := t.TransitionTo(task.StateCancelled, "cancel requested", now); err != nil {
			return err
		}
		if prev == task.StatePending {
			s.queue.Remove(id)
		}
		return nil
	})
	if errors.Is(err, task.ErrNotFound) {
		return false, err
	}
	if errors.Is(err, task.ErrTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch prev {
	case task.StateRetrying:
		s.retry.Cancel(id)
	case task.StateRunning:
		s.cancelAttempt(id)
	}

	s.metrics.RecordTerminal(task.StateCancelled, t.Latency(), now)
	s.publish(EventCancelled, t)
	s.save(t)

	s.logger.Info().
		Str("task_id", id).
		Str("previous_state", string(prev)).
		Msg("Task cancelled")
	return true, nil
}

func (s *Scheduler) cancelAttempt(id string) {
	s.mu.Lock()
	a, ok := s.attempts[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !a.pool.Cancel(a.handle) {
		s.logger.Debug().Str("task_id", id).Msg("Attempt finished before it could be cancelled")
	}
}

// WorkerStats reports pool occupancy
func (s *Scheduler) WorkerStats() WorkerStatus {
	status := WorkerStatus{QueueDepth: s.queue.Len()}
	for _, backend := range []task.Backend{task.BackendProcess, task.BackendThread} {
		st := s.pools[backend].Stats()
		status.Pools = append(status.Pools, st)
		status.TotalCapacity += st.Capacity
		status.ActiveWorkers += st.Active
		status.IdleWorkers += st.Available
	}

	s.mu.Lock()
	status.Running = len(s.attempts)
	s.mu.Unlock()
	return status
}

// Metrics returns a snapshot merged with host metrics when available
func (s *Scheduler) Metrics(ctx context.Context) Snapshot {
	g := Gauges{
		QueueDepth: s.queue.Len(),
		Retrying:   s.retry.Pending(),
		States:     s.registry.Counts(),
	}

	s.mu.Lock()
	g.Running = len(s.attempts)
	s.mu.Unlock()

	for _, backend := range []task.Backend{task.BackendProcess, task.BackendThread} {
		g.Pools = append(g.Pools, s.pools[backend].Stats())
	}

	if s.system != nil {
		sys, err := s.system.Collect(ctx)
		if err != nil {
			s.logger.Debug().Err(err).Msg("System metrics unavailable")
		} else {
			g.System = sys
		}
	}

	return s.metrics.Snapshot(g)
}

// Cleanup evicts terminal tasks finished more than olderThan ago from the
// registry and the task store. It returns the number of registry records
// removed.
func (s *Scheduler) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan < 0 {
		return 0, &task.ValidationError{Field: "older_than", Message: "must not be negative"}
	}

	cutoff := time.Now().Add(-olderThan)
	evicted := s.registry.Evict(cutoff, true)
	for _, id := range evicted {
		s.events.Publish(Event{ID: uuid.New().String(), Type: EventEvicted, TaskID: id, Timestamp: time.Now()})
	}

	if s.tasks != nil {
		n, err := s.tasks.DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return len(evicted), fmt.Errorf("failed to clean task store: %w", err)
		}
		s.logger.Debug().Int64("rows", n).Msg("Task store cleaned")
	}

	s.logger.Info().
		Int("evicted", len(evicted)).
		Dur("older_than", olderThan).
		Msg("Cleanup completed")
	return len(evicted), nil
}

// signal wakes the dispatch loop without blocking
func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		for s.dispatchNext(ctx) {
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// dispatchNext dispatches the highest ranked task that has a free slot on
// its backend. It reports whether it made progress.
func (s *Scheduler) dispatchNext(ctx context.Context) bool {
	if s.stopping.Load() {
		return false
	}

	var backend task.Backend
	entry, ok := s.queue.PopMatch(func(e QueueEntry) bool {
		b, ok := s.selector.Select(e, s.pools)
		backend = b
		return ok
	})
	if !ok {
		return false
	}

	s.dispatch(ctx, entry, backend)
	return true
}

func (s *Scheduler) dispatch(ctx context.Context, entry QueueEntry, backend task.Backend) {
	current, err := s.registry.Get(entry.ID)
	if err != nil || current.State != task.StatePending {
		return
	}

	pool := s.pools[backend]
	work := runtime.Work{
		TaskID:  current.ID,
		Attempt: current.AttemptCount + 1,
		Name:    current.Name,
		Payload: current.Payload,
		Timeout: current.Timeout,
	}

	_, span := s.tracer.Start(ctx, "task.attempt", trace.WithAttributes(
		attribute.String("task.id", current.ID),
		attribute.String("task.name", current.Name),
		attribute.Int("task.priority", current.Priority),
		attribute.Int("task.attempt", work.Attempt),
		attribute.String("task.backend", string(backend)),
	))

	// The completion may not be applied before the dispatch is recorded.
	recorded := make(chan struct{})
	submitCtx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
	h, err := pool.Submit(submitCtx, work, func(o runtime.Outcome) {
		<-recorded
		s.complete(o)
	})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		span.End()

		s.logger.Warn().
			Err(err).
			Str("task_id", current.ID).
			Str("backend", string(backend)).
			Msg("Pool submission failed, task stays pending")

		s.requeuePending(current.ID)
		return
	}

	s.mu.Lock()
	s.attempts[current.ID] = &attempt{handle: h, pool: pool, span: span}
	s.mu.Unlock()

	now := time.Now()
	t, err := s.registry.Update(current.ID, func(t *task.Task) error {
		if t.State != task.StatePending {
			return errStale
		}
		if t.Backend == "" {
			t.Backend = backend
		}
		t.WorkerID = h.WorkerID
		return t.TransitionTo(task.StateRunning, fmt.Sprintf("dispatched to %s", h.WorkerID), now)
	})
	if err != nil {
		// cancelled between pop and dispatch
		pool.Cancel(h)
		close(recorded)
		return
	}
	close(recorded)

	s.publish(EventDispatched, t)
	s.save(t)

	s.logger.Debug().
		Str("task_id", t.ID).
		Int("attempt", t.AttemptCount).
		Str("backend", string(backend)).
		Str("worker_id", h.WorkerID).
		Msg("Task dispatched")
}

// requeuePending puts a still-pending task back in the queue
func (s *Scheduler) requeuePending(id string) {
	_, _ = s.registry.Update(id, func(t *task.Task) error {
		if t.State != task.StatePending {
			return errStale
		}
		s.queue.Push(entryFor(t))
		return nil
	})
}

// complete applies the outcome of one attempt
func (s *Scheduler) complete(o runtime.Outcome) {
	s.mu.Lock()
	a := s.attempts[o.TaskID]
	if a != nil && a.handle.Attempt == o.Attempt {
		delete(s.attempts, o.TaskID)
	} else {
		a = nil
	}
	s.mu.Unlock()

	now := time.Now()
	var retryDelay time.Duration
	var retry bool

	t, err := s.registry.Update(o.TaskID, func(t *task.Task) error {
		if t.State != task.StateRunning || t.AttemptCount != o.Attempt {
			return errStale
		}

		t.WorkerID = o.WorkerID
		t.ProcessingTime += o.Duration()

		switch {
		case o.Succeeded():
			t.Result = o.Result
			t.Error = ""
			return t.TransitionTo(task.StateCompleted, "attempt succeeded", now)
		case o.Cancelled:
			t.Error = task.ErrCancelled.Error()
			return t.TransitionTo(task.StateCancelled, "pool closed", now)
		}

		execErr := &task.ExecutionError{TaskID: t.ID, Attempt: o.Attempt, Err: o.Err}
		t.Error = execErr.Error()
		retry, retryDelay = s.retry.Decide(t)
		if retry && !s.stopping.Load() {
			return t.TransitionTo(task.StateRetrying, fmt.Sprintf("retry in %s", retryDelay), now)
		}
		retry = false
		return t.TransitionTo(task.StateFailed, o.Err.Error(), now)
	})

	if a != nil && a.span != nil {
		if err == nil {
			a.span.SetAttributes(attribute.String("task.state", string(t.State)))
			if o.Err != nil {
				a.span.RecordError(o.Err)
				a.span.SetStatus(codes.Error, o.Err.Error())
			} else {
				a.span.SetStatus(codes.Ok, "")
			}
		} else {
			a.span.SetAttributes(attribute.Bool("task.dropped", true))
		}
		a.span.End()
	}

	if err != nil {
		s.logger.Debug().
			Str("task_id", o.TaskID).
			Int("attempt", o.Attempt).
			Msg("Dropping late completion")
		return
	}

	switch t.State {
	case task.StateCompleted:
		s.metrics.RecordTerminal(t.State, t.Latency(), now)
		s.publish(EventCompleted, t)
		s.logger.Info().
			Str("task_id", t.ID).
			Int("attempt", t.AttemptCount).
			Dur("processing_time", o.Duration()).
			Msg("Task completed")
	case task.StateFailed:
		s.metrics.RecordTerminal(t.State, t.Latency(), now)
		s.publish(EventFailed, t)
		s.logger.Warn().
			Str("task_id", t.ID).
			Int("attempts", t.AttemptCount).
			Str("error", t.Error).
			Msg("Task failed")
	case task.StateCancelled:
		s.metrics.RecordTerminal(t.State, t.Latency(), now)
		s.publish(EventCancelled, t)
	case task.StateRetrying:
		s.metrics.RecordRetry()
		ev := eventFor(EventRetrying, t)
		ev.Delay = retryDelay
		s.events.Publish(ev)
		if !s.retry.Schedule(t.ID, retryDelay, s.requeue) {
			s.save(t)
			s.logger.Warn().
				Str("task_id", t.ID).
				Int("attempt", t.AttemptCount).
				Msg("Retry refused during shutdown")
			s.abandonRetry(t.ID)
			return
		}
		s.logger.Info().
			Str("task_id", t.ID).
			Int("attempt", t.AttemptCount).
			Dur("delay", retryDelay).
			Str("error", t.Error).
			Msg("Task scheduled for retry")
	}
	s.save(t)
}

// abandonRetry cancels a retrying task whose backoff timer will never fire
func (s *Scheduler) abandonRetry(id string) {
	now := time.Now()
	t, err := s.registry.Update(id, func(t *task.Task) error {
		if t.State != task.StateRetrying {
			return errStale
		}
		return t.TransitionTo(task.StateCancelled, "scheduler stopped", now)
	})
	if err != nil {
		return
	}

	s.metrics.RecordTerminal(task.StateCancelled, t.Latency(), now)
	s.publish(EventCancelled, t)
	s.save(t)
}

// requeue moves a retrying task back to pending once its backoff elapses
func (s *Scheduler) requeue(id string) {
	now := time.Now()
	t, err := s.registry.Update(id, func(t *task.Task) error {
		if t.State != task.StateRetrying {
			return errStale
		}
		if err := t.TransitionTo(task.StatePending, "backoff elapsed", now); err != nil {
			return err
		}
		s.queue.Push(entryFor(t))
		return nil
	})
	if err != nil {
		return
	}

	s.publish(EventRequeued, t)
	s.save(t)
	s.signal()
}

func (s *Scheduler) publish(typ EventType, t *task.Task) {
	s.events.Publish(eventFor(typ, t))
}

// save hands a snapshot to the persistence goroutine without blocking
func (s *Scheduler) save(t *task.Task) {
	if s.tasks == nil {
		return
	}
	select {
	case s.persist <- t:
	default:
		s.logger.Warn().Str("task_id", t.ID).Msg("Persistence buffer full, dropping task snapshot")
	}
}

func (s *Scheduler) persistLoop(ctx context.Context) {
	if s.tasks == nil {
		<-ctx.Done()
		return
	}

	write := func(t *task.Task) {
		writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.breaker.Execute(writeCtx, func(ctx context.Context) error {
			return s.tasks.SaveTask(ctx, t)
		})
		switch {
		case errors.Is(err, resilience.ErrCircuitBreakerOpen), errors.Is(err, resilience.ErrCircuitBreakerMaxRequests):
			s.logger.Debug().Str("task_id", t.ID).Msg("Storage circuit open, skipping task snapshot")
		case err != nil:
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to persist task")
		}
	}

	for {
		select {
		case t := <-s.persist:
			write(t)
		case <-ctx.Done():
			for {
				select {
				case t := <-s.persist:
					write(t)
				default:
					return
				}
			}
		}
	}
}

func (s *Scheduler) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Metrics(ctx)
			err := s.breaker.Execute(ctx, func(ctx context.Context) error {
				return s.snapshots.RecordSnapshot(ctx, snap)
			})
			if err != nil && !errors.Is(err, resilience.ErrCircuitBreakerOpen) && !errors.Is(err, resilience.ErrCircuitBreakerMaxRequests) {
				s.logger.Error().Err(err).Msg("Failed to record metrics snapshot")
			}
		}
	}
}

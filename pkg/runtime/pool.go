package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("pool is closed")

// Executor runs a named handler against a payload
type Executor interface {
	Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)
}

// Pool is a bounded set of execution slots.
//
// Submit blocks while every slot is busy. The done callback is invoked exactly
// once for every accepted submission, and the slot is only released after it
// returns.
type Pool interface {
	// Backend reports which backend class this pool implements
	Backend() task.Backend

	// Capacity returns the number of concurrent slots
	Capacity() int

	// Active returns the number of occupied slots
	Active() int

	// Available returns the number of free slots
	Available() int

	// Submit claims a slot and starts work asynchronously
	Submit(ctx context.Context, work Work, done func(Outcome)) (*Handle, error)

	// Cancel requests termination of running work
	Cancel(h *Handle) bool

	// Stats returns pool statistics
	Stats() PoolStats

	// OnRelease registers fn to run after every slot release
	OnRelease(fn func())

	// Close cancels running work and waits for slots to drain
	Close(ctx context.Context) error
}

// Work is one execution attempt of a task
type Work struct {
	TaskID  string          `json:"task_id"`
	Attempt int             `json:"attempt"`
	Name    string          `json:"task_name"`
	Payload json.RawMessage `json:"payload"`
	Timeout time.Duration   `json:"timeout"`
}

// Outcome is the completion notification for one attempt
type Outcome struct {
	TaskID    string          `json:"task_id"`
	Attempt   int             `json:"attempt"`
	Backend   task.Backend    `json:"backend"`
	WorkerID  string          `json:"worker_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       error           `json:"-"`
	Cancelled bool            `json:"cancelled"`
	TimedOut  bool            `json:"timed_out"`
	Started   time.Time       `json:"started"`
	Finished  time.Time       `json:"finished"`
}

// Succeeded reports whether the attempt produced a result
func (o Outcome) Succeeded() bool {
	return o.Err == nil && !o.Cancelled
}

// Duration returns the wall time of the attempt
func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}

// Handle identifies a running submission
type Handle struct {
	ID       string
	TaskID   string
	Attempt  int
	Backend  task.Backend
	WorkerID string

	cancel    context.CancelFunc
	cancelled atomic.Bool
	finished  atomic.Bool
}

func newHandle(backend task.Backend, work Work, workerID string, cancel context.CancelFunc) *Handle {
	return &Handle{
		ID:       uuid.New().String(),
		TaskID:   work.TaskID,
		Attempt:  work.Attempt,
		Backend:  backend,
		WorkerID: workerID,
		cancel:   cancel,
	}
}

// request marks the handle cancelled; false if it already finished or was cancelled
func (h *Handle) request() bool {
	if h == nil || h.finished.Load() {
		return false
	}
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

// Cancelled reports whether cancellation was requested
func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// PoolStats holds pool counters
type PoolStats struct {
	Backend   task.Backend `json:"backend"`
	Capacity  int          `json:"capacity"`
	Active    int          `json:"active"`
	Available int          `json:"available"`
	Submitted int64        `json:"submitted"`
	Succeeded int64        `json:"succeeded"`
	Failed    int64        `json:"failed"`
	Cancelled int64        `json:"cancelled"`
	TimedOut  int64        `json:"timed_out"`
	Saturated int64        `json:"saturated"`
}

// Utilization returns active / capacity
func (s PoolStats) Utilization() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.Capacity)
}

// slots is a counting semaphore that also hands out stable slot numbers
type slots struct {
	free chan int
	size int
}

func newSlots(size int) *slots {
	s := &slots{free: make(chan int, size), size: size}
	for i := 0; i < size; i++ {
		s.free <- i
	}
	return s
}

func (s *slots) acquire(ctx context.Context) (int, error) {
	select {
	case n := <-s.free:
		return n, nil
	default:
	}

	select {
	case n := <-s.free:
		return n, nil
	case <-ctx.Done():
		return -1, fmt.Errorf("%w: %v", task.ErrPoolSaturated, ctx.Err())
	}
}

func (s *slots) release(n int) {
	s.free <- n
}

func (s *slots) available() int {
	return len(s.free)
}

// base carries the bookkeeping shared by both pool kinds
type base struct {
	backend task.Backend
	slots   *slots

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   map[string]*Handle
	onRelease []func()

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	timedOut  atomic.Int64
	saturated atomic.Int64
}

func newBase(backend task.Backend, capacity int) *base {
	ctx, cancel := context.WithCancel(context.Background())
	return &base{
		backend: backend,
		slots:   newSlots(capacity),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]*Handle),
	}
}

func (b *base) Backend() task.Backend { return b.backend }
func (b *base) Capacity() int         { return b.slots.size }
func (b *base) Available() int        { return b.slots.available() }
func (b *base) Active() int           { return b.slots.size - b.slots.available() }

// Cancel requests termination of the work behind h
func (b *base) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}
	b.mu.Lock()
	_, ok := b.running[h.ID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	return h.request()
}

func (b *base) OnRelease(fn func()) {
	b.mu.Lock()
	b.onRelease = append(b.onRelease, fn)
	b.mu.Unlock()
}

func (b *base) Stats() PoolStats {
	available := b.slots.available()
	return PoolStats{
		Backend:   b.backend,
		Capacity:  b.slots.size,
		Active:    b.slots.size - available,
		Available: available,
		Submitted: b.submitted.Load(),
		Succeeded: b.succeeded.Load(),
		Failed:    b.failed.Load(),
		Cancelled: b.cancelled.Load(),
		TimedOut:  b.timedOut.Load(),
		Saturated: b.saturated.Load(),
	}
}

// claim acquires a slot and registers a handle for work
func (b *base) claim(ctx context.Context, work Work, workerPrefix string) (*Handle, context.Context, int, error) {
	if b.closed.Load() {
		return nil, nil, -1, ErrPoolClosed
	}

	slot, err := b.slots.acquire(ctx)
	if err != nil {
		b.saturated.Add(1)
		return nil, nil, -1, err
	}

	if b.closed.Load() {
		b.slots.release(slot)
		return nil, nil, -1, ErrPoolClosed
	}

	runCtx, cancel := context.WithCancel(b.ctx)
	h := newHandle(b.backend, work, fmt.Sprintf("%s-%d", workerPrefix, slot), cancel)

	b.mu.Lock()
	b.running[h.ID] = h
	b.mu.Unlock()

	b.submitted.Add(1)
	b.wg.Add(1)
	return h, runCtx, slot, nil
}

// finish delivers the outcome and then frees the slot
func (b *base) finish(h *Handle, slot int, outcome Outcome, done func(Outcome)) {
	defer b.wg.Done()

	h.finished.Store(true)
	b.mu.Lock()
	delete(b.running, h.ID)
	b.mu.Unlock()
	h.cancel()

	switch {
	case outcome.Cancelled:
		b.cancelled.Add(1)
	case outcome.TimedOut:
		b.timedOut.Add(1)
	case outcome.Err != nil:
		b.failed.Add(1)
	default:
		b.succeeded.Add(1)
	}

	if done != nil {
		done(outcome)
	}
	b.slots.release(slot)

	b.mu.Lock()
	hooks := b.onRelease
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// resolve classifies how an attempt ended
func resolve(h *Handle, runCtx context.Context, work Work, outcome *Outcome) {
	switch {
	case h.Cancelled():
		outcome.Cancelled = true
		outcome.Result = nil
		outcome.Err = task.ErrCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && outcome.Err != nil:
		outcome.TimedOut = true
		outcome.Result = nil
		outcome.Err = fmt.Errorf("%w after %s", task.ErrDeadlineExceeded, work.Timeout)
	case errors.Is(runCtx.Err(), context.Canceled) && outcome.Err != nil:
		// pool closed underneath the attempt
		outcome.Cancelled = true
		outcome.Result = nil
		outcome.Err = task.ErrCancelled
	}
}

func (b *base) close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s pool did not drain: %w", b.backend, ctx.Err())
	}
}

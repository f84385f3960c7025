package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// ThreadPool runs work as goroutines inside the scheduler process.
//
// Cancellation and deadlines are cooperative: the handler's context is
// cancelled and the outcome is reported at once, but a handler that ignores
// its context keeps running and keeps its slot until it returns.
type ThreadPool struct {
	*base
	executor Executor
	logger   zerolog.Logger
}

// NewThreadPool creates a thread pool with capacity slots
func NewThreadPool(capacity int, executor Executor) (*ThreadPool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("thread pool capacity must be positive, got %d", capacity)
	}
	if executor == nil {
		return nil, fmt.Errorf("thread pool requires an executor")
	}

	p := &ThreadPool{
		base:     newBase(task.BackendThread, capacity),
		executor: executor,
		logger:   log.With().Str("component", "thread_pool").Logger(),
	}

	p.logger.Info().Int("capacity", capacity).Msg("Thread pool started")
	return p, nil
}

type threadResult struct {
	result json.RawMessage
	err    error
}

// Submit claims a slot and runs work on a goroutine
func (p *ThreadPool) Submit(ctx context.Context, work Work, done func(Outcome)) (*Handle, error) {
	h, runCtx, slot, err := p.claim(ctx, work, "thread")
	if err != nil {
		return nil, err
	}

	go p.run(h, runCtx, slot, work, done)
	return h, nil
}

func (p *ThreadPool) run(h *Handle, runCtx context.Context, slot int, work Work, done func(Outcome)) {
	if work.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, work.Timeout)
		defer cancel()
	}

	outcome := Outcome{
		TaskID:   work.TaskID,
		Attempt:  work.Attempt,
		Backend:  task.BackendThread,
		WorkerID: h.WorkerID,
		Started:  time.Now(),
	}

	resultCh := make(chan threadResult, 1)
	go func() {
		resultCh <- p.execute(runCtx, work)
	}()

	abandoned := false
	select {
	case r := <-resultCh:
		outcome.Result, outcome.Err = r.result, r.err
	case <-runCtx.Done():
		abandoned = true
		outcome.Err = runCtx.Err()
	}
	outcome.Finished = time.Now()
	resolve(h, runCtx, work, &outcome)

	if abandoned {
		p.logger.Debug().
			Str("task_id", work.TaskID).
			Str("worker_id", h.WorkerID).
			Bool("cancelled", outcome.Cancelled).
			Bool("timed_out", outcome.TimedOut).
			Msg("Handler still running after its context ended")

		// Report now, but hold the slot until the handler goroutine returns.
		held := make(chan struct{})
		go func() {
			<-resultCh
			close(held)
		}()
		p.finish(h, slot, outcome, func(o Outcome) {
			if done != nil {
				done(o)
			}
			<-held
		})
		return
	}

	p.finish(h, slot, outcome, done)
}

// execute runs the handler, converting a panic into an error
func (p *ThreadPool) execute(ctx context.Context, w Work) (r threadResult) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("task_id", w.TaskID).
				Str("task_name", w.Name).
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("Task handler panicked")
			r = threadResult{err: fmt.Errorf("handler panicked: %v", rec)}
		}
	}()

	result, err := p.executor.Execute(ctx, w.Name, w.Payload)
	return threadResult{result: result, err: err}
}

// Close cancels running work and waits for it to drain
func (p *ThreadPool) Close(ctx context.Context) error {
	err := p.close(ctx)
	p.logger.Info().Err(err).Msg("Thread pool closed")
	return err
}

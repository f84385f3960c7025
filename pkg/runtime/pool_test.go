package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/taskscheduler/pkg/handlers"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

const workerEnv = "TASKSCHEDULER_TEST_WORKER"

// The test binary doubles as the process pool worker.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		if err := RunWorker(context.Background(), testExecutor(), os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type executorFunc func(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error)

func (f executorFunc) Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, name, payload)
}

func testExecutor() Executor {
	registry := handlers.NewDefaultRegistry()
	return executorFunc(func(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
		switch name {
		case "panic":
			panic("boom")
		case "pid":
			return json.Marshal(map[string]int{"pid": os.Getpid()})
		case "ignore_ctx":
			time.Sleep(300 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		case "stubborn":
			signal.Ignore(syscall.SIGTERM)
			time.Sleep(time.Hour)
			return nil, nil
		}
		return registry.Execute(ctx, name, payload)
	})
}

func newTestProcessPool(t *testing.T, capacity int) *ProcessPool {
	t.Helper()
	pool, err := NewProcessPool(ProcessPoolConfig{
		Capacity:    capacity,
		Command:     []string{os.Args[0]},
		Env:         []string{workerEnv + "=1"},
		KillTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return pool
}

func newTestThreadPool(t *testing.T, capacity int) *ThreadPool {
	t.Helper()
	pool, err := NewThreadPool(capacity, testExecutor())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return pool
}

func submitAndWait(t *testing.T, pool Pool, work Work) Outcome {
	t.Helper()
	outcomes := make(chan Outcome, 1)
	_, err := pool.Submit(context.Background(), work, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)

	select {
	case o := <-outcomes:
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestNewThreadPool(t *testing.T) {
	_, err := NewThreadPool(0, testExecutor())
	assert.Error(t, err)

	_, err = NewThreadPool(1, nil)
	assert.Error(t, err)

	pool := newTestThreadPool(t, 3)
	assert.Equal(t, task.BackendThread, pool.Backend())
	assert.Equal(t, 3, pool.Capacity())
	assert.Equal(t, 3, pool.Available())
	assert.Equal(t, 0, pool.Active())
}

func TestThreadPool_Submit(t *testing.T) {
	pool := newTestThreadPool(t, 2)

	o := submitAndWait(t, pool, Work{TaskID: "t1", Attempt: 1, Name: handlers.ComputeName, Payload: json.RawMessage(`{"iterations": 4}`)})
	require.True(t, o.Succeeded())
	assert.JSONEq(t, `{"result": 14, "iterations": 4}`, string(o.Result))
	assert.Equal(t, "t1", o.TaskID)
	assert.Equal(t, task.BackendThread, o.Backend)
	assert.Contains(t, o.WorkerID, "thread-")
	assert.False(t, o.Finished.Before(o.Started))

	o = submitAndWait(t, pool, Work{TaskID: "t2", Attempt: 1, Name: handlers.ErrorTaskName, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, o.Err, handlers.ErrIntentionalFailure)
	assert.False(t, o.Cancelled)
	assert.False(t, o.TimedOut)

	o = submitAndWait(t, pool, Work{TaskID: "t3", Attempt: 1, Name: "nope", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, o.Err, task.ErrUnknownHandler)

	assert.Eventually(t, func() bool { return pool.Available() == 2 }, time.Second, 10*time.Millisecond)
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Submitted)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(2), stats.Failed)
}

func TestThreadPool_PanicRecovered(t *testing.T) {
	pool := newTestThreadPool(t, 1)

	o := submitAndWait(t, pool, Work{TaskID: "p", Attempt: 1, Name: "panic"})
	require.Error(t, o.Err)
	assert.Contains(t, o.Err.Error(), "panicked")
}

func TestThreadPool_Backpressure(t *testing.T) {
	pool := newTestThreadPool(t, 1)

	outcomes := make(chan Outcome, 1)
	_, err := pool.Submit(context.Background(), Work{TaskID: "slow", Name: handlers.IOOperationName, Payload: json.RawMessage(`{"duration": 0.3}`)}, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)
	assert.Equal(t, 0, pool.Available())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Submit(ctx, Work{TaskID: "blocked", Name: handlers.ComputeName}, nil)
	assert.ErrorIs(t, err, task.ErrPoolSaturated)
	assert.Equal(t, int64(1), pool.Stats().Saturated)

	<-outcomes
	assert.Eventually(t, func() bool { return pool.Available() == 1 }, time.Second, 10*time.Millisecond)
}

func TestThreadPool_Timeout(t *testing.T) {
	pool := newTestThreadPool(t, 1)

	start := time.Now()
	o := submitAndWait(t, pool, Work{TaskID: "t", Name: handlers.IOOperationName, Payload: json.RawMessage(`{"duration": 10}`), Timeout: 50 * time.Millisecond})
	assert.True(t, o.TimedOut)
	assert.ErrorIs(t, o.Err, task.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), pool.Stats().TimedOut)
}

func TestThreadPool_Cancel(t *testing.T) {
	pool := newTestThreadPool(t, 1)

	outcomes := make(chan Outcome, 1)
	h, err := pool.Submit(context.Background(), Work{TaskID: "c", Name: handlers.IOOperationName, Payload: json.RawMessage(`{"duration": 10}`)}, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)

	assert.True(t, pool.Cancel(h))
	assert.False(t, pool.Cancel(h), "second cancel is a no-op")

	select {
	case o := <-outcomes:
		assert.True(t, o.Cancelled)
		assert.ErrorIs(t, o.Err, task.ErrCancelled)
		assert.Nil(t, o.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel was not observed")
	}

	assert.False(t, pool.Cancel(h), "cancel after completion is a no-op")
	assert.False(t, pool.Cancel(nil))
}

func TestThreadPool_UncooperativeHandlerHoldsSlot(t *testing.T) {
	pool := newTestThreadPool(t, 1)

	outcomes := make(chan Outcome, 1)
	_, err := pool.Submit(context.Background(), Work{TaskID: "u", Name: "ignore_ctx", Timeout: 20 * time.Millisecond}, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)

	o := <-outcomes
	assert.True(t, o.TimedOut)
	// the handler is still sleeping, so its slot is still claimed
	assert.Equal(t, 0, pool.Available())
	assert.Eventually(t, func() bool { return pool.Available() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestThreadPool_Close(t *testing.T) {
	pool, err := NewThreadPool(1, testExecutor())
	require.NoError(t, err)

	outcomes := make(chan Outcome, 1)
	_, err = pool.Submit(context.Background(), Work{TaskID: "c", Name: handlers.IOOperationName, Payload: json.RawMessage(`{"duration": 10}`)}, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	o := <-outcomes
	assert.True(t, o.Cancelled)

	_, err = pool.Submit(context.Background(), Work{TaskID: "late"}, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewProcessPool(t *testing.T) {
	_, err := NewProcessPool(ProcessPoolConfig{Capacity: 1, Command: []string{"/nonexistent/worker-binary"}})
	assert.Error(t, err)

	_, err = NewProcessPool(ProcessPoolConfig{Capacity: 0, Command: []string{os.Args[0]}})
	assert.Error(t, err)

	pool := newTestProcessPool(t, 2)
	assert.Equal(t, task.BackendProcess, pool.Backend())
	assert.Equal(t, 2, pool.Capacity())
}

func TestProcessPool_Submit(t *testing.T) {
	pool := newTestProcessPool(t, 1)

	o := submitAndWait(t, pool, Work{TaskID: "t1", Attempt: 1, Name: handlers.ComputeName, Payload: json.RawMessage(`{"iterations": 4}`)})
	require.NoError(t, o.Err)
	assert.JSONEq(t, `{"result": 14, "iterations": 4}`, string(o.Result))
	assert.Equal(t, "process-0", o.WorkerID)
	assert.Equal(t, task.BackendProcess, o.Backend)

	o = submitAndWait(t, pool, Work{TaskID: "t2", Attempt: 1, Name: "pid"})
	require.NoError(t, o.Err)
	var body map[string]int
	require.NoError(t, json.Unmarshal(o.Result, &body))
	assert.NotEqual(t, os.Getpid(), body["pid"], "work runs in a child process")
}

func TestProcessPool_Failures(t *testing.T) {
	pool := newTestProcessPool(t, 1)

	o := submitAndWait(t, pool, Work{TaskID: "e", Name: handlers.ErrorTaskName, Payload: json.RawMessage(`{}`)})
	require.Error(t, o.Err)
	assert.Equal(t, handlers.ErrIntentionalFailure.Error(), o.Err.Error())
	var werr *WorkerError
	assert.ErrorAs(t, o.Err, &werr)

	o = submitAndWait(t, pool, Work{TaskID: "u", Name: "nope"})
	assert.ErrorIs(t, o.Err, task.ErrUnknownHandler)

	o = submitAndWait(t, pool, Work{TaskID: "p", Name: "panic"})
	require.Error(t, o.Err)
	assert.Contains(t, o.Err.Error(), "without a response")
}

func TestProcessPool_Timeout(t *testing.T) {
	pool := newTestProcessPool(t, 1)

	start := time.Now()
	o := submitAndWait(t, pool, Work{TaskID: "t", Name: handlers.IOOperationName, Payload: json.RawMessage(`{"duration": 30}`), Timeout: 200 * time.Millisecond})
	assert.True(t, o.TimedOut)
	assert.ErrorIs(t, o.Err, task.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessPool_CancelEscalatesToKill(t *testing.T) {
	pool := newTestProcessPool(t, 1)

	outcomes := make(chan Outcome, 1)
	h, err := pool.Submit(context.Background(), Work{TaskID: "s", Name: "stubborn"}, func(o Outcome) { outcomes <- o })
	require.NoError(t, err)

	// let the child install its SIGTERM handler
	time.Sleep(300 * time.Millisecond)
	start := time.Now()
	require.True(t, pool.Cancel(h))

	select {
	case o := <-outcomes:
		assert.True(t, o.Cancelled)
		assert.ErrorIs(t, o.Err, task.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not killed")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Eventually(t, func() bool { return pool.Available() == 1 }, time.Second, 10*time.Millisecond)
}

func TestRunWorker(t *testing.T) {
	codec, err := newFrameCodec()
	require.NoError(t, err)

	req, err := codec.Marshal(workerRequest{TaskID: "w", Attempt: 1, Name: handlers.DataProcessingName, Payload: []byte(`{"data": ["a", 1]}`)})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, RunWorker(context.Background(), handlers.NewDefaultRegistry(), bytes.NewReader(req), &out))

	var resp workerResponse
	require.NoError(t, codec.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "w", resp.TaskID)
	assert.Empty(t, resp.Error)
	assert.JSONEq(t, `{"original_count": 2, "processed_data": ["A", 2]}`, string(resp.Result))
	assert.Equal(t, os.Getpid(), resp.PID)

	assert.Error(t, RunWorker(context.Background(), handlers.NewDefaultRegistry(), bytes.NewReader([]byte{0xff}), &out))
}

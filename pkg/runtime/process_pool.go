package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

const maxStderrBytes = 64 * 1024

// ProcessPoolConfig holds configuration for the ProcessPool
type ProcessPoolConfig struct {
	Capacity int `json:"capacity"`

	// Command starts a worker; defaults to the running binary's worker subcommand
	Command []string `json:"command"`
	Env     []string `json:"env"`

	// KillTimeout is the grace between SIGTERM and SIGKILL
	KillTimeout time.Duration `json:"killTimeout"`
}

// DefaultProcessPoolConfig returns default configuration
func DefaultProcessPoolConfig() ProcessPoolConfig {
	return ProcessPoolConfig{
		Capacity:    goruntime.NumCPU(),
		KillTimeout: 5 * time.Second,
	}
}

// ProcessPool runs each attempt in a fresh child process with its own process
// group, so cancellation and deadlines can always be enforced by signal.
type ProcessPool struct {
	*base
	config ProcessPoolConfig
	path   string
	args   []string
	codec  *frameCodec
	logger zerolog.Logger
}

// NewProcessPool verifies the worker command and creates the pool. An error
// here means the backend is unavailable and the scheduler must not start.
func NewProcessPool(config ProcessPoolConfig) (*ProcessPool, error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("process pool capacity must be positive, got %d", config.Capacity)
	}
	if config.KillTimeout <= 0 {
		config.KillTimeout = DefaultProcessPoolConfig().KillTimeout
	}

	command := config.Command
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		command = []string{self, WorkerCommand}
	}

	path, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("process pool worker %q unavailable: %w", command[0], err)
	}

	codec, err := newFrameCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	p := &ProcessPool{
		base:   newBase(task.BackendProcess, config.Capacity),
		config: config,
		path:   path,
		args:   command[1:],
		codec:  codec,
		logger: log.With().Str("component", "process_pool").Logger(),
	}

	p.logger.Info().
		Int("capacity", config.Capacity).
		Str("worker", path).
		Strs("args", p.args).
		Dur("kill_timeout", config.KillTimeout).
		Msg("Process pool started")

	return p, nil
}

// Submit claims a slot and starts a worker process for work
func (p *ProcessPool) Submit(ctx context.Context, work Work, done func(Outcome)) (*Handle, error) {
	h, runCtx, slot, err := p.claim(ctx, work, "process")
	if err != nil {
		return nil, err
	}

	go p.run(h, runCtx, slot, work, done)
	return h, nil
}

func (p *ProcessPool) run(h *Handle, runCtx context.Context, slot int, work Work, done func(Outcome)) {
	if work.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, work.Timeout)
		defer cancel()
	}

	outcome := Outcome{
		TaskID:   work.TaskID,
		Attempt:  work.Attempt,
		Backend:  task.BackendProcess,
		WorkerID: h.WorkerID,
		Started:  time.Now(),
	}

	outcome.Result, outcome.Err = p.execute(runCtx, h, work)
	outcome.Finished = time.Now()
	resolve(h, runCtx, work, &outcome)

	p.finish(h, slot, outcome, done)
}

func (p *ProcessPool) execute(ctx context.Context, h *Handle, work Work) ([]byte, error) {
	req, err := p.codec.Marshal(workerRequest{
		TaskID:  work.TaskID,
		Attempt: work.Attempt,
		Name:    work.Name,
		Payload: work.Payload,
		Timeout: int64(work.Timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderrBytes}

	cmd := exec.Command(p.path, p.args...)
	cmd.Env = append(os.Environ(), p.config.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = p.config.KillTimeout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	pid := cmd.Process.Pid

	p.logger.Debug().
		Str("task_id", work.TaskID).
		Int("attempt", work.Attempt).
		Str("worker_id", h.WorkerID).
		Int("pid", pid).
		Msg("Worker process started")

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		p.terminate(pid, work.TaskID, waitCh)
		return nil, ctx.Err()
	}

	if stdout.Len() == 0 {
		return nil, fmt.Errorf("worker %d exited without a response: %v: %s", pid, waitErr, stderr.tail())
	}

	var resp workerResponse
	if err := p.codec.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode worker response: %w", err)
	}

	if resp.Error != "" {
		return nil, &WorkerError{PID: resp.PID, Message: resp.Error, kind: resp.ErrKind}
	}
	if waitErr != nil {
		p.logger.Warn().Err(waitErr).Int("pid", pid).Msg("Worker exited abnormally after responding")
	}
	return resp.Result, nil
}

// terminate sends SIGTERM to the worker's process group, escalating to
// SIGKILL after KillTimeout, and waits for the process to be reaped.
func (p *ProcessPool) terminate(pid int, taskID string, waitCh <-chan error) {
	p.logger.Info().
		Str("task_id", taskID).
		Int("pid", pid).
		Msg("Stopping worker process")

	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Error().Err(err).Int("pid", pid).Msg("Failed to send termination signal")
	}

	select {
	case <-waitCh:
		return
	case <-time.After(p.config.KillTimeout):
	}

	p.logger.Warn().
		Int("pid", pid).
		Dur("timeout", p.config.KillTimeout).
		Msg("Graceful stop timed out, killing worker process group")

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Error().Err(err).Int("pid", pid).Msg("Failed to send kill signal")
	}
	<-waitCh
}

// Close cancels running workers and waits for them to be reaped
func (p *ProcessPool) Close(ctx context.Context) error {
	err := p.close(ctx)
	p.logger.Info().Err(err).Msg("Process pool closed")
	return err
}

// cappedBuffer keeps the last limit bytes written to it
type cappedBuffer struct {
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(data []byte) (int, error) {
	b.buf = append(b.buf, data...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(data), nil
}

func (b *cappedBuffer) tail() string {
	return strings.TrimSpace(string(b.buf))
}

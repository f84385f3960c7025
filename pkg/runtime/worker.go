package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// WorkerCommand is the hidden subcommand a process pool child runs
const WorkerCommand = "worker"

const errKindUnknownHandler = "unknown_handler"

// workerRequest is the frame written to a child's stdin
type workerRequest struct {
	TaskID  string `cbor:"1,keyasint"`
	Attempt int    `cbor:"2,keyasint"`
	Name    string `cbor:"3,keyasint"`
	Payload []byte `cbor:"4,keyasint,omitempty"`
	Timeout int64  `cbor:"5,keyasint,omitempty"`
}

// workerResponse is the frame a child writes to stdout
type workerResponse struct {
	TaskID   string `cbor:"1,keyasint"`
	Result   []byte `cbor:"2,keyasint,omitempty"`
	Error    string `cbor:"3,keyasint,omitempty"`
	ErrKind  string `cbor:"4,keyasint,omitempty"`
	PID      int    `cbor:"5,keyasint"`
	Duration int64  `cbor:"6,keyasint"`
}

type frameCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newFrameCodec() (*frameCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return &frameCodec{enc: em, dec: dm}, nil
}

func (c *frameCodec) Marshal(v interface{}) ([]byte, error) { return c.enc.Marshal(v) }

func (c *frameCodec) Unmarshal(data []byte, v interface{}) error { return c.dec.Unmarshal(data, v) }

// RunWorker is the child side of the process pool. It reads one request from
// in, runs the handler and writes one response to out. Handler failures are
// reported inside the response; only I/O and codec problems return an error.
func RunWorker(ctx context.Context, executor Executor, in io.Reader, out io.Writer) error {
	codec, err := newFrameCodec()
	if err != nil {
		return fmt.Errorf("failed to create codec: %w", err)
	}

	var req workerRequest
	if err := codec.dec.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout))
		defer cancel()
	}

	start := time.Now()
	result, execErr := executor.Execute(ctx, req.Name, req.Payload)

	resp := workerResponse{
		TaskID:   req.TaskID,
		PID:      os.Getpid(),
		Duration: int64(time.Since(start)),
	}
	if execErr != nil {
		resp.Error = execErr.Error()
		if errors.Is(execErr, task.ErrUnknownHandler) {
			resp.ErrKind = errKindUnknownHandler
		}
	} else {
		resp.Result = result
	}

	if err := codec.enc.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return nil
}

// WorkerError is a handler failure reported by a child process
type WorkerError struct {
	PID     int
	Message string
	kind    string
}

func (e *WorkerError) Error() string {
	return e.Message
}

// Is lets errors.Is see sentinels that crossed the process boundary
func (e *WorkerError) Is(target error) bool {
	return e.kind == errKindUnknownHandler && target == task.ErrUnknownHandler
}

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Built-in task type names
const (
	ComputeName        = "compute"
	IOOperationName    = "io_operation"
	DataProcessingName = "data_processing"
	ErrorTaskName      = "error_task"
)

const (
	defaultIterations = 1_000_000
	maxIterations     = 2_000_000
	checkEvery        = 1 << 16
)

// ErrIntentionalFailure is returned by error_task
var ErrIntentionalFailure = errors.New("intentional task failure for testing")

// Builtins returns the built-in handlers
func Builtins() []Handler {
	return []Handler{
		NewComputeHandler(),
		NewIOOperationHandler(),
		NewDataProcessingHandler(),
		NewErrorTaskHandler(),
	}
}

func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// ComputeHandler sums squares below an iteration count
type ComputeHandler struct {
	*BaseHandler
}

// NewComputeHandler creates the compute handler
func NewComputeHandler() *ComputeHandler {
	return &ComputeHandler{
		BaseHandler: NewBaseHandler(
			ComputeName,
			"CPU-bound sum of squares",
			task.HintCPUBound,
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"iterations": map[string]interface{}{
						"type":    "integer",
						"minimum": 0,
						"maximum": maxIterations,
					},
				},
			},
		),
	}
}

// Execute runs the computation, checking ctx between chunks
func (h *ComputeHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Iterations *int64 `json:"iterations"`
	}
	if err := decodePayload(payload, &params); err != nil {
		return nil, err
	}

	iterations := int64(defaultIterations)
	if params.Iterations != nil {
		iterations = *params.Iterations
	}
	if iterations < 0 || iterations > maxIterations {
		return nil, fmt.Errorf("iterations must be between 0 and %d", maxIterations)
	}

	var sum uint64
	for i := int64(0); i < iterations; i++ {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		sum += uint64(i) * uint64(i)
	}

	return json.Marshal(map[string]interface{}{
		"result":     sum,
		"iterations": iterations,
	})
}

// IOOperationHandler sleeps for a requested duration
type IOOperationHandler struct {
	*BaseHandler
}

// NewIOOperationHandler creates the io_operation handler
func NewIOOperationHandler() *IOOperationHandler {
	return &IOOperationHandler{
		BaseHandler: NewBaseHandler(
			IOOperationName,
			"Simulated I/O wait",
			task.HintIOBound,
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"duration": map[string]interface{}{
						"type":    "number",
						"minimum": 0,
						"maximum": 3600,
					},
				},
			},
		),
	}
}

// Execute sleeps, returning early if ctx is cancelled
func (h *IOOperationHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Duration *float64 `json:"duration"`
	}
	if err := decodePayload(payload, &params); err != nil {
		return nil, err
	}

	seconds := 1.0
	if params.Duration != nil {
		seconds = *params.Duration
	}
	if seconds < 0 {
		return nil, fmt.Errorf("duration must not be negative")
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return json.Marshal(map[string]interface{}{
		"slept_for": seconds,
		"timestamp": time.Now().Format(time.RFC3339Nano),
	})
}

// DataProcessingHandler doubles numbers and upper-cases everything else
type DataProcessingHandler struct {
	*BaseHandler
}

// NewDataProcessingHandler creates the data_processing handler
func NewDataProcessingHandler() *DataProcessingHandler {
	return &DataProcessingHandler{
		BaseHandler: NewBaseHandler(
			DataProcessingName,
			"Transforms a list of values",
			task.HintIOBound,
			map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"data": map[string]interface{}{
						"type": "array",
					},
				},
			},
		),
	}
}

// Execute transforms each element of data
func (h *DataProcessingHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var params map[string]interface{}
	if err := decodePayload(payload, &params); err != nil {
		return nil, err
	}

	var data []interface{}
	if raw, ok := params["data"]; ok && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("data must be a list")
		}
		data = list
	}

	processed := make([]interface{}, len(data))
	for i, item := range data {
		processed[i] = transformItem(item)
	}

	return json.Marshal(map[string]interface{}{
		"original_count": len(data),
		"processed_data": processed,
	})
}

func transformItem(item interface{}) interface{} {
	switch v := item.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
			return n * 2
		}
		if f, err := v.Float64(); err == nil {
			return f * 2
		}
		return strings.ToUpper(v.String())
	case string:
		return strings.ToUpper(v)
	case nil:
		return "NULL"
	case bool:
		return strings.ToUpper(strconv.FormatBool(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return strings.ToUpper(fmt.Sprint(v))
		}
		return strings.ToUpper(string(b))
	}
}

// ErrorTaskHandler always fails
type ErrorTaskHandler struct {
	*BaseHandler
}

// NewErrorTaskHandler creates the error_task handler
func NewErrorTaskHandler() *ErrorTaskHandler {
	return &ErrorTaskHandler{
		BaseHandler: NewBaseHandler(
			ErrorTaskName,
			"Always fails; exercises the retry path",
			task.HintIOBound,
			map[string]interface{}{"type": "object"},
		),
	}
}

// Execute returns ErrIntentionalFailure
func (h *ErrorTaskHandler) Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return nil, ErrIntentionalFailure
}

package handlers

import (
	"context"
	"encoding/json"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Handler is an executable work item addressed by name
type Handler interface {
	// Name returns the task type name used at submission
	Name() string

	// Description returns a short human description
	Description() string

	// Hint returns the default execution profile
	Hint() task.Hint

	// Schema returns the JSON schema for the payload
	Schema() map[string]interface{}

	// Execute runs the payload and returns a JSON result
	Execute(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// BaseHandler provides common functionality for handlers
type BaseHandler struct {
	name        string
	description string
	hint        task.Hint
	schema      map[string]interface{}
}

// NewBaseHandler creates a new base handler
func NewBaseHandler(name, description string, hint task.Hint, schema map[string]interface{}) *BaseHandler {
	return &BaseHandler{
		name:        name,
		description: description,
		hint:        hint,
		schema:      schema,
	}
}

// Name returns the handler name
func (bh *BaseHandler) Name() string {
	return bh.name
}

// Description returns the handler description
func (bh *BaseHandler) Description() string {
	return bh.description
}

// Hint returns the default execution hint
func (bh *BaseHandler) Hint() task.Hint {
	return bh.hint
}

// Schema returns the payload schema
func (bh *BaseHandler) Schema() map[string]interface{} {
	return bh.schema
}

// Info is a serializable description of a handler
type Info struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Hint        task.Hint              `json:"execution_hint"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// Describe returns the Info for a handler
func Describe(h Handler) Info {
	return Info{
		Name:        h.Name(),
		Description: h.Description(),
		Hint:        h.Hint(),
		Schema:      h.Schema(),
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Registry manages available handlers
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates a new handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// NewDefaultRegistry creates a registry holding the built-in handlers
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range Builtins() {
		// names are unique by construction
		_ = r.Register(h)
	}
	return r
}

// Register registers a new handler
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	name := handler.Name()
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}
	if !handler.Hint().IsValid() {
		return fmt.Errorf("handler %s has invalid hint %q", name, handler.Hint())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler already registered: %s", name)
	}

	r.handlers[name] = handler
	return nil
}

// Get retrieves a handler by name
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// List returns all registered handlers sorted by name
func (r *Registry) List() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].Name() < handlers[j].Name() })

	return handlers
}

// Names returns all registered handler names
func (r *Registry) Names() []string {
	handlers := r.List()
	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.Name()
	}
	return names
}

// Count returns the number of registered handlers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// HintFor returns the default hint for a task type. Unknown types run as io_bound.
func (r *Registry) HintFor(name string) task.Hint {
	if h, ok := r.Get(name); ok && h.Hint() != "" {
		return h.Hint()
	}
	return task.HintIOBound
}

// Execute runs the named handler. Unknown names fail the attempt rather than the submission.
func (r *Registry) Execute(ctx context.Context, name string, payload json.RawMessage) (json.RawMessage, error) {
	h, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrUnknownHandler, name)
	}
	return h.Execute(ctx, payload)
}

package handlers

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// Validator checks payloads against handler schemas
type Validator struct {
	registry *Registry

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema
}

// NewValidator creates a new validator
func NewValidator(registry *Registry) *Validator {
	return &Validator{
		registry: registry,
		schemas:  make(map[string]*gojsonschema.Schema),
	}
}

// Validate validates a spec and, when its task type is registered, the payload
// against the schema. An empty hint is replaced by the handler's default.
func (v *Validator) Validate(spec *task.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Hint == "" {
		spec.Hint = v.registry.HintFor(spec.Name)
	}

	h, ok := v.registry.Get(spec.Name)
	if !ok || h.Schema() == nil {
		return nil
	}

	schema, err := v.compiled(h)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", h.Name(), err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(spec.Payload))
	if err != nil {
		return &task.ValidationError{Field: "payload", Message: err.Error()}
	}

	if !result.Valid() {
		var errors []string
		for _, desc := range result.Errors() {
			errors = append(errors, desc.String())
		}
		return &task.ValidationError{Field: "payload", Message: strings.Join(errors, "; ")}
	}

	return nil
}

func (v *Validator) compiled(h Handler) (*gojsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.schemas[h.Name()]; ok {
		return s, nil
	}

	schemaBytes, err := json.Marshal(h.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaBytes))
	if err != nil {
		return nil, err
	}
	v.schemas[h.Name()] = s
	return s, nil
}

// Package schema validates handler configuration records (spec.md §3
// "Handler Descriptor") against a per-handler-type JSON Schema, the same
// way the teacher validates tool call payloads before registration
// (registry/service.go's validatePayloadJSONAgainstSchema).
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry compiles and caches one JSON Schema per handler type name, so
// manifest.Validate can check every handler's config record without
// recompiling schemas on every call.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry returns an empty schema Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schemaJSON (a JSON Schema document) and associates it
// with handlerType. Re-registering a handlerType replaces its schema.
func (r *Registry) Register(handlerType string, schemaJSON []byte) error {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return fmt.Errorf("schema: unmarshal schema for handler type %q: %w", handlerType, err)
	}

	resourceName := "handler:" + handlerType
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("schema: add resource for handler type %q: %w", handlerType, err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("schema: compile schema for handler type %q: %w", handlerType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[handlerType] = compiled
	return nil
}

// Validate checks config (already decoded into Go values — maps, slices,
// strings, numbers, bools, nil) against the schema registered for
// handlerType. Returns ok=false if no schema is registered for
// handlerType; callers decide whether an unregistered type is itself an
// error (manifest.Validate reports it as an unknown handler type).
func (r *Registry) Validate(handlerType string, config any) (ok bool, err error) {
	r.mu.RLock()
	sch, registered := r.schemas[handlerType]
	r.mu.RUnlock()
	if !registered {
		return false, nil
	}
	if err := sch.Validate(config); err != nil {
		return true, fmt.Errorf("schema: handler %q config: %w", handlerType, err)
	}
	return true, nil
}

// Known reports whether handlerType has a registered schema.
func (r *Registry) Known(handlerType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[handlerType]
	return ok
}

// RegisteredTypes returns the handler type names with a registered schema,
// in no particular order.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	return out
}

// BuiltinHandlerSchemas are the JSON Schemas for the six built-in
// capability types: filesystem (`allowed_paths`), http-client
// (`allowed_hosts`, `denied_hosts`, `allowed_methods`), timing, messaging,
// storage and process.
// Embedders register these (or their own) on a fresh Registry via
// RegisterBuiltins.
var BuiltinHandlerSchemas = map[string]string{
	"filesystem": `{
		"type": "object",
		"properties": {
			"allowed_paths": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["allowed_paths"],
		"additionalProperties": false
	}`,
	"http-client": `{
		"type": "object",
		"properties": {
			"allowed_hosts": {"type": "array", "items": {"type": "string"}},
			"denied_hosts": {"type": "array", "items": {"type": "string"}},
			"allowed_methods": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"timing": `{
		"type": "object",
		"properties": {
			"max_scheduled_callbacks": {"type": "integer", "minimum": 0}
		},
		"additionalProperties": false
	}`,
	"messaging": `{
		"type": "object",
		"properties": {
			"allowed_peers": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
	"storage": `{
		"type": "object",
		"properties": {
			"store_id": {"type": "string"}
		},
		"required": ["store_id"],
		"additionalProperties": false
	}`,
	"process": `{
		"type": "object",
		"properties": {
			"allowed_executables": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		},
		"required": ["allowed_executables"],
		"additionalProperties": false
	}`,
}

// RegisterBuiltins registers every schema in BuiltinHandlerSchemas.
func (r *Registry) RegisterBuiltins() error {
	for handlerType, doc := range BuiltinHandlerSchemas {
		if err := r.Register(handlerType, []byte(doc)); err != nil {
			return err
		}
	}
	return nil
}

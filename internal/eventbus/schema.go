package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentharness/pkg/models"
)

// SchemaRegistry compiles and caches JSON schemas per HarnessEventType,
// grounded on internal/gateway/ws_schema.go's once-compiled
// wsSchemaRegistry in haasonsaas-nexus. The zero value has no schemas
// registered; Validate is then a no-op for every event type.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[models.HarnessEventType]*jsonschema.Schema
}

// NewSchemaRegistry constructs an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[models.HarnessEventType]*jsonschema.Schema)}
}

// Register compiles schemaJSON and associates it with eventType,
// replacing any schema previously registered for that type.
func (r *SchemaRegistry) Register(eventType models.HarnessEventType, schemaJSON string) error {
	compiled, err := jsonschema.CompileString(string(eventType), schemaJSON)
	if err != nil {
		return fmt.Errorf("eventbus: compile schema for %s: %w", eventType, err)
	}
	r.mu.Lock()
	r.schemas[eventType] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against eventType's registered schema. An
// event type with no registered schema always validates.
func (r *SchemaRegistry) Validate(eventType models.HarnessEventType, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	var decoded any
	if len(payload) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("eventbus: payload for %s is not valid JSON: %w", eventType, err)
	}
	return schema.Validate(decoded)
}

// WithSchemaRegistry wires r into a Bus. EmitEvent then validates every
// dispatched event's payload against its registered schema and logs a
// warning on mismatch without blocking dispatch, matching the gateway
// validation style in haasonsaas-nexus (log-and-continue at a fan-out
// boundary rather than hard rejection, since a misbehaving producer
// should not take down every subscriber).
func WithSchemaRegistry(r *SchemaRegistry) Option {
	return func(b *Bus) { b.schemas = r }
}

// Package eventbus is a typed pub/sub fan-out for HarnessEvent, with
// per-event-type handler registration and isolated handler errors (spec
// §4 "Event bus", §5 "Shared resources").
//
// Grounded on internal/agent/event_sink.go's MultiSink fan-out (isolated
// per-sink dispatch) and event_emitter.go's monotonic sequence numbers,
// both in haasonsaas-nexus.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentharness/pkg/models"
)

// Handler observes one HarnessEvent. A Handler must not block
// indefinitely — Emit invokes handlers synchronously, in registration
// order, within the emitting goroutine.
type Handler func(models.HarnessEvent)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Bus is a process-local, in-memory event bus. The zero value is not
// usable; construct with New. Safe for concurrent emission and
// registration (spec §5).
type Bus struct {
	mu       sync.RWMutex
	handlers map[models.HarnessEventType][]handlerEntry
	seq      uint64
	logger   *slog.Logger
	nowFunc  func() time.Time
	schemas  *SchemaRegistry
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithLogger overrides the logger used to report isolated handler
// panics/errors. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithClock overrides the function used to stamp event timestamps.
// Intended for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.nowFunc = now }
}

// New constructs an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[models.HarnessEventType][]handlerEntry),
		logger:   slog.Default(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers fn for events of the given type, returning a function
// that removes the registration. Registration order determines dispatch
// order within Emit.
func (b *Bus) On(eventType models.HarnessEventType, fn Handler) Unsubscribe {
	id := atomic.AddUint64(&b.seq, 1)
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[eventType]
		for i, e := range entries {
			if e.id == id {
				b.handlers[eventType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Emit builds a versioned envelope around payload and dispatches it to
// every handler registered for eventType. A handler that panics is
// recovered and logged; it never prevents sibling handlers from running
// nor propagates to the caller (spec §7 "Handler/hook exceptions").
func (b *Bus) Emit(eventType models.HarnessEventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = nil
		b.logger.Warn("eventbus: payload marshal failed", "event_type", eventType, "error", err)
	}

	event := models.HarnessEvent{
		Type:      eventType,
		Payload:   json.RawMessage(data),
		Version:   1,
		Timestamp: b.nowFunc().UnixMilli(),
		EventID:   uuid.NewString(),
	}
	b.EmitEvent(event)
}

// EmitEvent dispatches an already-built envelope, for forwarders (e.g.
// the sub-agent pool) that need to pass through a child's event
// unmodified except for wrapping.
func (b *Bus) EmitEvent(event models.HarnessEvent) {
	if b.schemas != nil {
		if err := b.schemas.Validate(event.Type, event.Payload); err != nil {
			b.logger.Warn("eventbus: payload failed schema validation", "event_type", event.Type, "error", err)
		}
	}

	b.mu.RLock()
	entries := append([]handlerEntry(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, e := range entries {
		b.dispatchOne(e.fn, event)
	}
}

func (b *Bus) dispatchOne(fn Handler, event models.HarnessEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus: handler panic", "event_type", event.Type, "panic", r)
		}
	}()
	fn(event)
}

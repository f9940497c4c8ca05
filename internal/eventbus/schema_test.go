package eventbus

import (
	"log/slog"
	"strings"
	"testing"

	"github.com/haasonsaas/agentharness/pkg/models"
)

const tokenSchemaJSON = `{
	"type": "object",
	"properties": {"token": {"type": "string"}},
	"required": ["token"]
}`

func TestSchemaRegistryValidatesRegisteredType(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register(models.EventToken, tokenSchemaJSON); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Validate(models.EventToken, []byte(`{"token":"hi"}`)); err != nil {
		t.Errorf("expected valid payload to pass, got %v", err)
	}

	err := reg.Validate(models.EventToken, []byte(`{}`))
	if err == nil {
		t.Fatal("expected a missing required field to fail validation")
	}
}

func TestSchemaRegistryUnregisteredTypeAlwaysValidates(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Validate(models.EventDone, []byte(`{"anything":"goes"}`)); err != nil {
		t.Errorf("expected no schema to mean no validation, got %v", err)
	}
}

func TestSchemaRegistryRejectsInvalidSchema(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register(models.EventToken, `{"type": "not-a-real-type"}`); err == nil {
		t.Error("expected an invalid schema to fail to compile")
	}
}

func TestSchemaRegistryRejectsMalformedPayload(t *testing.T) {
	reg := NewSchemaRegistry()
	reg.Register(models.EventToken, tokenSchemaJSON)

	if err := reg.Validate(models.EventToken, []byte(`not json`)); err == nil {
		t.Error("expected malformed JSON to fail validation")
	}
}

func TestSchemaRegistryEmptyPayloadValidatesAsEmptyObject(t *testing.T) {
	reg := NewSchemaRegistry()
	reg.Register(models.EventDone, `{"type": "object"}`)

	if err := reg.Validate(models.EventDone, nil); err != nil {
		t.Errorf("expected an empty payload to validate against an open object schema, got %v", err)
	}
}

func TestWithSchemaRegistryLogsWarningWithoutBlockingDispatch(t *testing.T) {
	reg := NewSchemaRegistry()
	reg.Register(models.EventToken, tokenSchemaJSON)

	var logged strings.Builder
	logger := slog.New(slog.NewTextHandler(&logged, nil))
	bus := New(WithSchemaRegistry(reg), WithLogger(logger))

	var handlerCalled bool
	bus.On(models.EventToken, func(e models.HarnessEvent) { handlerCalled = true })

	bus.Emit(models.EventToken, map[string]string{"wrong_field": "value"})

	if !handlerCalled {
		t.Error("expected the handler to run despite the schema validation failure")
	}
	if !strings.Contains(logged.String(), "schema validation") {
		t.Errorf("expected a logged warning about schema validation, got %q", logged.String())
	}
}

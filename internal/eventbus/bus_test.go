package eventbus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agentharness/pkg/models"
)

func TestEmitDispatchesToRegisteredHandlers(t *testing.T) {
	bus := New()

	var got models.HarnessEvent
	bus.On(models.EventToolCallStart, func(e models.HarnessEvent) {
		got = e
	})

	bus.Emit(models.EventToolCallStart, map[string]string{"tool": "search"})

	if got.Type != models.EventToolCallStart {
		t.Fatalf("expected tool_call_start, got %s", got.Type)
	}
	if got.Version != 1 {
		t.Errorf("expected version 1, got %d", got.Version)
	}
	if got.EventID == "" {
		t.Error("expected a non-empty event ID")
	}

	var payload map[string]string
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["tool"] != "search" {
		t.Errorf("expected payload tool=search, got %v", payload)
	}
}

func TestEmitOnlyDispatchesMatchingType(t *testing.T) {
	bus := New()

	var startCalled, endCalled bool
	bus.On(models.EventToolCallStart, func(models.HarnessEvent) { startCalled = true })
	bus.On(models.EventToolCallEnd, func(models.HarnessEvent) { endCalled = true })

	bus.Emit(models.EventToolCallStart, nil)

	if !startCalled {
		t.Error("expected start handler to be called")
	}
	if endCalled {
		t.Error("expected end handler not to be called")
	}
}

func TestHandlersDispatchInRegistrationOrder(t *testing.T) {
	bus := New()

	var order []int
	bus.On(models.EventDone, func(models.HarnessEvent) { order = append(order, 1) })
	bus.On(models.EventDone, func(models.HarnessEvent) { order = append(order, 2) })
	bus.On(models.EventDone, func(models.HarnessEvent) { order = append(order, 3) })

	bus.Emit(models.EventDone, nil)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	bus := New()

	calls := 0
	unsub := bus.On(models.EventError, func(models.HarnessEvent) { calls++ })

	bus.Emit(models.EventError, nil)
	unsub()
	bus.Emit(models.EventError, nil)

	if calls != 1 {
		t.Errorf("expected 1 call before unsubscribe, got %d", calls)
	}
}

func TestUnsubscribeOnlyRemovesOwnHandler(t *testing.T) {
	bus := New()

	var aCalls, bCalls int
	unsubA := bus.On(models.EventError, func(models.HarnessEvent) { aCalls++ })
	bus.On(models.EventError, func(models.HarnessEvent) { bCalls++ })

	unsubA()
	bus.Emit(models.EventError, nil)

	if aCalls != 0 {
		t.Errorf("expected handler A to be removed, got %d calls", aCalls)
	}
	if bCalls != 1 {
		t.Errorf("expected handler B to still fire, got %d calls", bCalls)
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	bus := New()

	secondCalled := false
	bus.On(models.EventAborted, func(models.HarnessEvent) {
		panic("boom")
	})
	bus.On(models.EventAborted, func(models.HarnessEvent) {
		secondCalled = true
	})

	bus.Emit(models.EventAborted, nil)

	if !secondCalled {
		t.Error("expected the second handler to run despite the first panicking")
	}
}

func TestEmitEventPassesThroughUnmodified(t *testing.T) {
	bus := New()

	var got models.HarnessEvent
	bus.On(models.EventChildAgentEvent, func(e models.HarnessEvent) { got = e })

	event := models.HarnessEvent{
		Type:      models.EventChildAgentEvent,
		Version:   1,
		Timestamp: 123,
		EventID:   "fixed-id",
	}
	bus.EmitEvent(event)

	if got.EventID != "fixed-id" {
		t.Errorf("expected EventEvent to pass the envelope through unmodified, got %+v", got)
	}
}

func TestWithClockStampsTimestamp(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bus := New(WithClock(func() time.Time { return fixed }))

	var got models.HarnessEvent
	bus.On(models.EventDone, func(e models.HarnessEvent) { got = e })
	bus.Emit(models.EventDone, nil)

	if got.Timestamp != fixed.UnixMilli() {
		t.Errorf("expected timestamp %d, got %d", fixed.UnixMilli(), got.Timestamp)
	}
}

func TestConcurrentEmitAndSubscribe(t *testing.T) {
	bus := New()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.On(models.EventToken, func(models.HarnessEvent) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Emit(models.EventToken, nil)
		}()
	}

	wg.Wait()
}

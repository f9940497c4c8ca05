package doomloop

import (
	"testing"

	"github.com/haasonsaas/agentharness/pkg/models"
)

func call(name string, args map[string]any) models.ToolCall {
	return models.ToolCall{ID: "c1", Name: name, Arguments: args}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxConsecutive != defaultMaxConsecutive {
		t.Errorf("MaxConsecutive = %d, want %d", cfg.MaxConsecutive, defaultMaxConsecutive)
	}
	if cfg.MaxTotal != defaultMaxTotal {
		t.Errorf("MaxTotal = %d, want %d", cfg.MaxTotal, defaultMaxTotal)
	}
	if cfg.WindowSize != defaultWindowSize {
		t.Errorf("WindowSize = %d, want %d", cfg.WindowSize, defaultWindowSize)
	}
	if cfg.RepetitionThreshold != defaultRepetitionThreshold {
		t.Errorf("RepetitionThreshold = %d, want %d", cfg.RepetitionThreshold, defaultRepetitionThreshold)
	}
}

func TestZeroConfigSanitizesToDefaults(t *testing.T) {
	g := New(Config{})
	if g.cfg.MaxConsecutive != defaultMaxConsecutive {
		t.Errorf("zero Config did not sanitize MaxConsecutive")
	}
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	g := New(Config{MaxConsecutive: 3, MaxTotal: 100, WindowSize: 100, RepetitionThreshold: 100})

	g.RecordFailure("search")
	if g.ShouldEscalate() {
		t.Fatal("escalated too early")
	}
	g.RecordFailure("search")
	if g.ShouldEscalate() {
		t.Fatal("escalated too early")
	}
	g.RecordFailure("search")
	if !g.ShouldEscalate() {
		t.Fatal("expected escalation at MaxConsecutive")
	}
}

func TestSuccessResetsConsecutiveOnly(t *testing.T) {
	g := New(Config{MaxConsecutive: 3, MaxTotal: 100, WindowSize: 100, RepetitionThreshold: 100})

	g.RecordFailure("search")
	g.RecordFailure("search")
	g.RecordSuccess("search")
	g.RecordFailure("search")
	g.RecordFailure("search")
	if g.ShouldEscalate() {
		t.Fatal("consecutive counter should have reset after success")
	}

	g.RecordFailure("search")
	if !g.ShouldEscalate() {
		t.Fatal("expected escalation after 3 consecutive failures post-reset")
	}
}

func TestTotalFailuresEscalate(t *testing.T) {
	g := New(Config{MaxConsecutive: 100, MaxTotal: 2, WindowSize: 100, RepetitionThreshold: 100})

	g.RecordFailure("a")
	g.RecordSuccess("a")
	g.RecordFailure("b")
	if g.ShouldEscalate() {
		t.Fatal("escalated before MaxTotal reached")
	}
	g.RecordSuccess("b")
	g.RecordFailure("c")
	if !g.ShouldEscalate() {
		t.Fatal("expected escalation at MaxTotal regardless of success resets in between")
	}
}

func TestRepetitionDetection(t *testing.T) {
	g := New(Config{MaxConsecutive: 100, MaxTotal: 100, WindowSize: 10, RepetitionThreshold: 3})

	args := map[string]any{"query": "weather"}
	g.Track([]models.ToolCall{call("search", args)})
	if g.ShouldEscalate() {
		t.Fatal("escalated after a single call")
	}
	g.Track([]models.ToolCall{call("search", args)})
	if g.ShouldEscalate() {
		t.Fatal("escalated after two identical calls")
	}
	g.Track([]models.ToolCall{call("search", args)})
	if !g.ShouldEscalate() {
		t.Fatal("expected escalation after RepetitionThreshold identical signatures")
	}
}

func TestRepetitionIgnoresArgumentKeyOrder(t *testing.T) {
	g := New(Config{MaxConsecutive: 100, MaxTotal: 100, WindowSize: 10, RepetitionThreshold: 2})

	g.Track([]models.ToolCall{call("search", map[string]any{"a": 1, "b": 2})})
	g.Track([]models.ToolCall{call("search", map[string]any{"b": 2, "a": 1})})
	if !g.ShouldEscalate() {
		t.Fatal("expected key-order-independent signatures to match")
	}
}

func TestRepetitionWindowEviction(t *testing.T) {
	g := New(Config{MaxConsecutive: 100, MaxTotal: 100, WindowSize: 2, RepetitionThreshold: 2})

	args := map[string]any{"query": "x"}
	g.Track([]models.ToolCall{call("search", args)})
	g.Track([]models.ToolCall{call("other", map[string]any{"y": 1})})
	g.Track([]models.ToolCall{call("other", map[string]any{"y": 1})})
	if !g.ShouldEscalate() {
		t.Fatal("expected the two most recent identical signatures to trigger escalation")
	}

	g2 := New(Config{MaxConsecutive: 100, MaxTotal: 100, WindowSize: 2, RepetitionThreshold: 2})
	g2.Track([]models.ToolCall{call("search", args)})
	g2.Track([]models.ToolCall{call("search", args)})
	g2.Track([]models.ToolCall{call("unrelated", map[string]any{"z": 1})})
	if g2.ShouldEscalate() {
		t.Fatal("expected the evicted repeated signature to no longer count")
	}
}

func TestShouldEscalateIsSideEffectFree(t *testing.T) {
	g := New(Config{MaxConsecutive: 1, MaxTotal: 100, WindowSize: 100, RepetitionThreshold: 100})
	g.RecordFailure("search")

	for i := 0; i < 5; i++ {
		if !g.ShouldEscalate() {
			t.Fatalf("expected escalation to remain true on repeated calls (iteration %d)", i)
		}
	}
}

func TestReset(t *testing.T) {
	g := New(Config{MaxConsecutive: 1, MaxTotal: 1, WindowSize: 10, RepetitionThreshold: 1})
	g.RecordFailure("search")
	g.Track([]models.ToolCall{call("search", nil)})
	if !g.ShouldEscalate() {
		t.Fatal("expected escalation before reset")
	}

	g.Reset()
	if g.ShouldEscalate() {
		t.Fatal("expected no escalation immediately after reset")
	}
}

func TestTrackIgnoresEmptyBatch(t *testing.T) {
	g := New(DefaultConfig())
	g.Track(nil)
	if len(g.window) != 0 {
		t.Errorf("expected window to remain empty, got %d entries", len(g.window))
	}
}

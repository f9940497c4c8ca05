// Package doomloop tracks consecutive and total tool-call failures and
// detects repeated identical tool-call signatures within a sliding
// window, forcing the agent loop to terminate cleanly instead of
// spinning forever (spec §4.3).
//
// Grounded on internal/agent/executor.go's ExecutorMetrics (mutex +
// counters idiom) in haasonsaas-nexus; the sliding-window signature
// tracking is authored fresh from spec §4.3 since no direct analog
// exists upstream.
package doomloop

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/haasonsaas/agentharness/pkg/models"
)

const (
	defaultMaxConsecutive      = 3
	defaultMaxTotal            = 5
	defaultWindowSize          = 10
	defaultRepetitionThreshold = 3
)

// Config tunes the guard's three escalation signals (spec §4.3).
type Config struct {
	MaxConsecutive      int
	MaxTotal            int
	WindowSize          int
	RepetitionThreshold int
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConsecutive:      defaultMaxConsecutive,
		MaxTotal:            defaultMaxTotal,
		WindowSize:          defaultWindowSize,
		RepetitionThreshold: defaultRepetitionThreshold,
	}
}

func (c Config) sanitize() Config {
	if c.MaxConsecutive <= 0 {
		c.MaxConsecutive = defaultMaxConsecutive
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = defaultMaxTotal
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.RepetitionThreshold <= 0 {
		c.RepetitionThreshold = defaultRepetitionThreshold
	}
	return c
}

// Guard is the per-run doom-loop detector. It is not safe to share across
// concurrent sub-agent children; each child gets its own instance
// (spec §4.6 step 4).
type Guard struct {
	mu sync.Mutex

	cfg Config

	consecutiveFailures int
	totalFailures       int

	// window holds the most recent call signatures, oldest first,
	// capped at cfg.WindowSize.
	window []string
}

// New builds a Guard with the given config; a zero Config resolves to
// DefaultConfig's values field by field.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg.sanitize()}
}

// Track records the signatures of a batch of tool calls about to be
// dispatched, in input order, maintaining the sliding window.
func (g *Guard) Track(calls []models.ToolCall) {
	if len(calls) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range calls {
		g.window = append(g.window, signature(c))
	}
	if excess := len(g.window) - g.cfg.WindowSize; excess > 0 {
		g.window = g.window[excess:]
	}
}

// RecordFailure increments the consecutive and total failure counters.
// The tool name is accepted for symmetry with RecordSuccess and future
// per-tool breakdowns; the guard's escalation logic is name-agnostic.
func (g *Guard) RecordFailure(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures++
	g.totalFailures++
}

// RecordSuccess resets the consecutive failure counter. Total failures
// and the repetition window are untouched — they only clear on Reset.
func (g *Guard) RecordSuccess(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
}

// Reset clears every counter and the repetition window.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutiveFailures = 0
	g.totalFailures = 0
	g.window = nil
}

// ShouldEscalate is side-effect-free (spec §4.3): it evaluates the three
// signals against the guard's current state without mutating it.
func (g *Guard) ShouldEscalate() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.consecutiveFailures >= g.cfg.MaxConsecutive {
		return true
	}
	if g.totalFailures >= g.cfg.MaxTotal {
		return true
	}
	return g.repetitionDetected()
}

// repetitionDetected reports whether the most recent call's signature
// appears at least RepetitionThreshold times within the current window.
// Caller must hold g.mu.
func (g *Guard) repetitionDetected() bool {
	if len(g.window) == 0 {
		return false
	}
	last := g.window[len(g.window)-1]
	count := 0
	for _, s := range g.window {
		if s == last {
			count++
		}
	}
	return count >= g.cfg.RepetitionThreshold
}

// signature produces the stable "name:JSON(args)" string used for
// repetition detection: object keys ordered lexicographically, arrays
// serialized positionally (spec §GLOSSARY "Signature").
func signature(c models.ToolCall) string {
	canon := canonicalize(c.Arguments)
	data, err := json.Marshal(canon)
	if err != nil {
		return c.Name + ":" + "null"
	}
	return c.Name + ":" + string(data)
}

// canonicalize rewrites a decoded JSON-like value into one whose map keys
// will serialize in lexicographic order under encoding/json by replacing
// maps with ordered slices of key/value pairs is unnecessary here: Go's
// encoding/json already sorts map[string]any keys lexicographically on
// Marshal. canonicalize instead normalizes nested maps/slices recursively
// so arguments built from arbitrary input shapes marshal deterministically.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

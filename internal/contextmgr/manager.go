// Package contextmgr fits a message list into a token budget, selecting
// among four truncation/summarisation strategies when the input exceeds
// the effective limit (spec §4.2).
//
// Grounded on internal/context/truncation.go's Truncator (always-keep-set
// handling, tail-shrink content truncation) and
// internal/compaction/compaction.go's chunked summarisation with a
// DropOldest-shaped fallback, both in haasonsaas-nexus.
package contextmgr

import (
	"context"
	"time"

	"github.com/haasonsaas/agentharness/internal/harness"
	"github.com/haasonsaas/agentharness/internal/tokenizer"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// synthesizedSystemMessageID / synthesizedSystemTimestamp are the fixed
// id and epoch-zero timestamp used when prepare synthesises a system
// message from a caller-supplied SystemPrompt (spec §4.2).
const synthesizedSystemMessageID = "synthesized-system-prompt"

var synthesizedSystemTimestamp = time.Unix(0, 0).UTC()

// Model describes the model targeted by a prepare call, used to resolve
// the effective token budget when no explicit MaxTokens option is given.
type Model struct {
	ID            string
	ContextWindow int
}

// Options configures one call to Prepare/EstimateTokens/WillExceedLimit/
// GetUsageReport.
type Options struct {
	// MaxTokens, if > 0, wins outright over Model and the manager's
	// configured resolution table (spec §4.2 resolution order).
	MaxTokens int

	// Model, if set, supplies ContextWindow and an id to look up in the
	// manager's ModelTokenLimits table.
	Model *Model

	// ReservedForOutput is subtracted from the resolved MaxTokens to
	// produce the effective limit.
	ReservedForOutput int

	// SystemPrompt, if non-empty and no system message already exists in
	// the input, causes Prepare to prepend a synthesised system message.
	SystemPrompt string

	// KeepRecentMessages parameterizes the sliding-window,
	// keep-system-and-recent, and summarisation strategies.
	KeepRecentMessages int
}

// StrategyOptions is the narrower options value handed to a
// TruncationStrategy (spec §4.2 "delegate to the configured strategy
// with {maxTokens, reservedTokens, model?, keepRecentMessages?}").
type StrategyOptions struct {
	MaxTokens          int
	ReservedTokens     int
	Model              *Model
	KeepRecentMessages int
}

// EffectiveLimit resolves this StrategyOptions' effective token budget
// using the same resolution rule Prepare uses, without consulting a
// manager-level model table or default (spec §4.2 "A strategy's
// effective limit is computed the same way from the options it
// receives").
func (o StrategyOptions) EffectiveLimit() (int, error) {
	return resolveEffectiveLimit(o.MaxTokens, o.Model, nil, 0, o.ReservedTokens)
}

// TruncationStrategy reduces a message list to fit a token budget while
// preserving every always-keep message (role system or IsSummary=true).
type TruncationStrategy interface {
	Name() string
	Apply(ctx context.Context, messages []models.Message, opts StrategyOptions) ([]models.Message, error)
}

// Config configures a Manager.
type Config struct {
	// ModelTokenLimits maps a model id to its context window, consulted
	// when Options.Model is set but ContextWindow is zero.
	ModelTokenLimits map[string]int

	// DefaultMaxTokens is the last-resort budget when neither an
	// explicit option nor a model resolves one.
	DefaultMaxTokens int

	// Strategy is invoked whenever the input exceeds the effective
	// limit. Required; Manager construction does not default it because
	// the four strategies have materially different behavior and
	// silently picking one would hide a caller's configuration mistake.
	Strategy TruncationStrategy
}

// Manager implements prepare/estimateTokens/willExceedLimit/getUsageReport
// (spec §4.2).
type Manager struct {
	cfg Config
}

// NewManager constructs a Manager. Panics if cfg.Strategy is nil, since
// every Prepare call on an over-budget input needs one.
func NewManager(cfg Config) *Manager {
	if cfg.Strategy == nil {
		panic("contextmgr: Config.Strategy must not be nil")
	}
	return &Manager{cfg: cfg}
}

// UsageReport summarizes a message list's token usage against a budget.
type UsageReport struct {
	EstimatedTokens int
	EffectiveLimit  int
	WillExceed      bool
}

// EstimateTokens returns the conversation-level token estimate (spec §4.1).
func (m *Manager) EstimateTokens(messages []models.Message) int {
	return tokenizer.EstimateMessages(messages)
}

// WillExceedLimit reports whether messages' estimated tokens exceed the
// effective limit resolved from opts.
func (m *Manager) WillExceedLimit(messages []models.Message, opts Options) (bool, error) {
	limit, err := m.resolveLimit(opts)
	if err != nil {
		return false, err
	}
	return tokenizer.EstimateMessages(messages) > limit, nil
}

// GetUsageReport computes a UsageReport for messages under opts.
func (m *Manager) GetUsageReport(messages []models.Message, opts Options) (UsageReport, error) {
	limit, err := m.resolveLimit(opts)
	if err != nil {
		return UsageReport{}, err
	}
	estimated := tokenizer.EstimateMessages(messages)
	return UsageReport{
		EstimatedTokens: estimated,
		EffectiveLimit:  limit,
		WillExceed:      estimated > limit,
	}, nil
}

// Prepare fits messages into the effective limit resolved from opts. If
// opts.SystemPrompt is non-empty and no system message exists, a
// synthesised system message is prepended first. If the (possibly
// system-augmented) input already fits, it is returned unchanged without
// invoking the configured strategy.
func (m *Manager) Prepare(ctx context.Context, messages []models.Message, opts Options) ([]models.Message, error) {
	prepared := withSynthesizedSystemPrompt(messages, opts.SystemPrompt)

	maxTokens, err := m.resolveMaxTokens(opts)
	if err != nil {
		return nil, err
	}
	limit, err := resolveEffectiveLimit(maxTokens, nil, nil, 0, opts.ReservedForOutput)
	if err != nil {
		return nil, err
	}

	if tokenizer.EstimateMessages(prepared) <= limit {
		return prepared, nil
	}

	return m.cfg.Strategy.Apply(ctx, prepared, StrategyOptions{
		MaxTokens:          maxTokens,
		ReservedTokens:     opts.ReservedForOutput,
		Model:              opts.Model,
		KeepRecentMessages: opts.KeepRecentMessages,
	})
}

func (m *Manager) resolveLimit(opts Options) (int, error) {
	maxTokens, err := m.resolveMaxTokens(opts)
	if err != nil {
		return 0, err
	}
	return resolveEffectiveLimit(maxTokens, nil, nil, 0, opts.ReservedForOutput)
}

// resolveMaxTokens implements the spec §4.2 resolution order: explicit
// option > model.contextWindow > modelTokenLimits[modelId] > configured
// default.
func (m *Manager) resolveMaxTokens(opts Options) (int, error) {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens, nil
	}
	if opts.Model != nil {
		if opts.Model.ContextWindow > 0 {
			return opts.Model.ContextWindow, nil
		}
		if limit, ok := m.cfg.ModelTokenLimits[opts.Model.ID]; ok && limit > 0 {
			return limit, nil
		}
	}
	if m.cfg.DefaultMaxTokens > 0 {
		return m.cfg.DefaultMaxTokens, nil
	}
	return 0, harness.NewConfigError("contextmgr", "no maxTokens resolvable from options, model, or configured default")
}

// resolveEffectiveLimit is the single definition of "effective limit"
// shared by Manager.Prepare and StrategyOptions.EffectiveLimit.
func resolveEffectiveLimit(maxTokens int, model *Model, modelTokenLimits map[string]int, defaultMaxTokens int, reserved int) (int, error) {
	resolved := maxTokens
	if resolved <= 0 && model != nil {
		if model.ContextWindow > 0 {
			resolved = model.ContextWindow
		} else if limit, ok := modelTokenLimits[model.ID]; ok {
			resolved = limit
		}
	}
	if resolved <= 0 {
		resolved = defaultMaxTokens
	}
	if resolved <= 0 {
		return 0, harness.NewConfigError("contextmgr", "no maxTokens resolvable")
	}
	effective := resolved - reserved
	if effective < 1 {
		return 0, harness.NewConfigError("contextmgr", "effective token limit must be >= 1")
	}
	return effective, nil
}

func withSynthesizedSystemPrompt(messages []models.Message, systemPrompt string) []models.Message {
	if systemPrompt == "" || hasSystemMessage(messages) {
		return messages
	}
	synthesized := models.Message{
		ID:        synthesizedSystemMessageID,
		Role:      models.RoleSystem,
		Text:      systemPrompt,
		CreatedAt: synthesizedSystemTimestamp,
	}
	out := make([]models.Message, 0, len(messages)+1)
	out = append(out, synthesized)
	out = append(out, messages...)
	return out
}

func hasSystemMessage(messages []models.Message) bool {
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			return true
		}
	}
	return false
}

// alwaysKeep reports whether m is a member of the always-keep set every
// strategy must preserve (spec §4.2).
func alwaysKeep(m models.Message) bool {
	return m.Role == models.RoleSystem || m.IsSummary
}

package contextmgr

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentharness/pkg/models"
)

// ChatRequest is the narrow request shape SummarisationStrategy sends to
// its ChatProvider. It mirrors the Provider.chat collaborator capability
// from spec §6 without importing a provider package (the core does not
// define providers).
type ChatRequest struct {
	Model        string
	Messages     []models.Message
	SystemPrompt string
}

// ChatResponse is the narrow response shape returned by ChatProvider.
type ChatResponse struct {
	Content      string
	Model        string
	FinishReason string
}

// ChatProvider is the collaborator capability the summarisation strategy
// consumes (spec §6 "Provider.chat(request) -> ChatResponse").
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

const defaultSummaryMaxTokens = 2000

const summarizationSystemPrompt = "Summarize the following conversation history concisely, preserving decisions, facts, and open threads a later turn will need."

// SummarisationStrategy asks a ChatProvider to summarise the oldest
// slice of non-system, non-summary messages, injects the result as a
// synthetic system message with IsSummary=true, and falls back to
// DropOldest on any provider failure (spec §4.2, Testable Properties
// scenario 6).
type SummarisationStrategy struct {
	Provider         ChatProvider
	Model            string
	SummaryMaxTokens int
	Logger           *slog.Logger
	fallback         *DropOldestStrategy
	warnedOnce       bool
}

// NewSummarisationStrategy constructs a SummarisationStrategy. provider
// must not be nil; model names the chat model used for the summary call.
func NewSummarisationStrategy(provider ChatProvider, model string) *SummarisationStrategy {
	return &SummarisationStrategy{
		Provider:         provider,
		Model:            model,
		SummaryMaxTokens: defaultSummaryMaxTokens,
		Logger:           slog.Default(),
		fallback:         NewDropOldestStrategy(),
	}
}

func (s *SummarisationStrategy) Name() string { return "summarise" }

func (s *SummarisationStrategy) Apply(ctx context.Context, messages []models.Message, opts StrategyOptions) ([]models.Message, error) {
	systemMessages, existingSummaries, nonSummaryRest := partitionForSummary(messages)

	keepRecent := opts.KeepRecentMessages
	if len(messages) <= keepRecent+len(systemMessages) {
		return messages, nil
	}

	var oldest, recent []models.Message
	if len(nonSummaryRest) <= keepRecent {
		recent = nonSummaryRest
	} else {
		split := len(nonSummaryRest) - keepRecent
		oldest = nonSummaryRest[:split]
		recent = nonSummaryRest[split:]
	}

	if len(oldest) == 0 {
		return messages, nil
	}

	truncatedOldest := fitByTruncatingContent(oldest, s.summaryMaxTokens())

	resp, err := s.Provider.Chat(ctx, ChatRequest{
		Model:        s.Model,
		Messages:     truncatedOldest,
		SystemPrompt: summarizationSystemPrompt,
	})
	if err != nil {
		s.warnFallback(err)
		return s.fallback.Apply(ctx, messages, opts)
	}

	newSummary := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleSystem,
		Text:      resp.Content,
		IsSummary: true,
	}

	out := make([]models.Message, 0, len(systemMessages)+len(existingSummaries)+1+len(recent))
	out = append(out, systemMessages...)
	out = append(out, existingSummaries...)
	out = append(out, newSummary)
	out = append(out, recent...)
	return out, nil
}

func (s *SummarisationStrategy) summaryMaxTokens() int {
	if s.SummaryMaxTokens > 0 {
		return s.SummaryMaxTokens
	}
	return defaultSummaryMaxTokens
}

// warnFallback logs the first provider failure at Warn level and every
// subsequent one at Debug, so a provider stuck in a failure loop does not
// flood the log with an identical warning on every compaction.
func (s *SummarisationStrategy) warnFallback(err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.warnedOnce {
		logger.Debug("contextmgr: summarisation provider failed, falling back to drop-oldest", "error", err)
		return
	}
	s.warnedOnce = true
	logger.Warn("contextmgr: summarisation provider failed, falling back to drop-oldest", "error", err)
}

// partitionForSummary splits messages into system messages, existing
// synthetic summaries, and the remaining ordinary conversation messages,
// each preserving original relative order.
func partitionForSummary(messages []models.Message) (systemMessages, existingSummaries, rest []models.Message) {
	for _, m := range messages {
		switch {
		case m.Role == models.RoleSystem && !m.IsSummary:
			systemMessages = append(systemMessages, m)
		case m.IsSummary:
			existingSummaries = append(existingSummaries, m)
		default:
			rest = append(rest, m)
		}
	}
	return systemMessages, existingSummaries, rest
}

package contextmgr

import (
	"context"

	"github.com/haasonsaas/agentharness/internal/tokenizer"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// DropOldestStrategy repeatedly removes the earliest non-system,
// non-summary message until the list fits the budget, falling back to
// content truncation if the always-keep set alone still exceeds it
// (spec §4.2).
type DropOldestStrategy struct{}

// NewDropOldestStrategy constructs a DropOldestStrategy.
func NewDropOldestStrategy() *DropOldestStrategy { return &DropOldestStrategy{} }

func (s *DropOldestStrategy) Name() string { return "drop-oldest" }

func (s *DropOldestStrategy) Apply(_ context.Context, messages []models.Message, opts StrategyOptions) ([]models.Message, error) {
	limit, err := opts.EffectiveLimit()
	if err != nil {
		return nil, err
	}

	remaining := append([]models.Message(nil), messages...)

	for tokenizer.EstimateMessages(remaining) > limit {
		idx := firstDroppable(remaining)
		if idx < 0 {
			break
		}
		remaining = append(remaining[:idx:idx], remaining[idx+1:]...)
	}

	if tokenizer.EstimateMessages(remaining) > limit {
		remaining = fitByTruncatingContent(remaining, limit)
	}

	return remaining, nil
}

func firstDroppable(messages []models.Message) int {
	for i, m := range messages {
		if !alwaysKeep(m) {
			return i
		}
	}
	return -1
}

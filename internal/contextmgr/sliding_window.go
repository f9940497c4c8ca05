package contextmgr

import (
	"context"

	"github.com/haasonsaas/agentharness/internal/tokenizer"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// SlidingWindowStrategy walks backward from the newest non-system
// message, greedily including messages whose addition keeps the total
// under budget, falling back to the always-keep set plus the latest
// message truncated to fit (spec §4.2).
type SlidingWindowStrategy struct{}

// NewSlidingWindowStrategy constructs a SlidingWindowStrategy.
func NewSlidingWindowStrategy() *SlidingWindowStrategy { return &SlidingWindowStrategy{} }

func (s *SlidingWindowStrategy) Name() string { return "sliding-window" }

func (s *SlidingWindowStrategy) Apply(_ context.Context, messages []models.Message, opts StrategyOptions) ([]models.Message, error) {
	limit, err := opts.EffectiveLimit()
	if err != nil {
		return nil, err
	}

	keepTotal := 0
	for _, m := range messages {
		if alwaysKeep(m) {
			keepTotal += tokenizer.EstimateMessage(m)
		}
	}

	include := make([]bool, len(messages))
	total := keepTotal
	selectedAny := false

	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if alwaysKeep(m) {
			include[i] = true
			continue
		}
		cost := tokenizer.EstimateMessage(m)
		if total+cost <= limit {
			include[i] = true
			total += cost
			selectedAny = true
		}
	}

	hasNonKeep := false
	for _, m := range messages {
		if !alwaysKeep(m) {
			hasNonKeep = true
			break
		}
	}

	if total <= limit && (selectedAny || !hasNonKeep) {
		return filterByFlags(messages, include), nil
	}

	return fallbackKeepLatest(messages, limit, keepTotal), nil
}

func filterByFlags(messages []models.Message, include []bool) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for i, m := range messages {
		if include[i] {
			out = append(out, m)
		}
	}
	return out
}

// fallbackKeepLatest builds the always-keep set plus the single latest
// non-keep message, truncated to whatever budget remains after the
// always-keep set's own cost.
func fallbackKeepLatest(messages []models.Message, limit int, keepTotal int) []models.Message {
	out := make([]models.Message, 0, len(messages))
	var latestIdx = -1
	for i, m := range messages {
		if alwaysKeep(m) {
			out = append(out, m)
		} else {
			latestIdx = i
		}
	}
	if latestIdx < 0 {
		return out
	}

	budget := limit - keepTotal
	if budget < 1 {
		budget = 1
	}
	out = append(out, truncateContent(messages[latestIdx], budget))
	return out
}

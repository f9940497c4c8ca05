package contextmgr

import (
	"encoding/json"

	"github.com/haasonsaas/agentharness/internal/tokenizer"
	"github.com/haasonsaas/agentharness/pkg/models"
)

const contentTruncationBaseOverhead = 5

// truncateContent applies the spec §4.2 content-level truncation rule to
// a single message: budget = maxMessageTokens - baseOverhead(5) -
// tokens(toolCalls) - tokens(toolResultId), floored at 1. Block-sequence
// messages are returned unchanged — they are never truncated.
func truncateContent(m models.Message, maxMessageTokens int) models.Message {
	if m.HasBlocks() {
		return m
	}

	budget := maxMessageTokens - contentTruncationBaseOverhead
	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			budget -= tokenizer.EstimateString(string(data))
		}
	}
	if m.ToolResultID != "" {
		budget -= tokenizer.EstimateString(m.ToolResultID)
	}
	if budget < 1 {
		budget = 1
	}

	if tokenizer.EstimateString(m.Text) <= budget {
		return m
	}

	out := m.Clone()
	out.Text = shrinkToBudget(m.Text, budget)
	return out
}

// shrinkToBudget starts from a 4x over-estimate of the target length and
// trims one character at a time from the tail until the estimated token
// count no longer exceeds budget (spec §4.2).
func shrinkToBudget(text string, budget int) string {
	runes := []rune(text)

	guess := budget * 4
	if guess < len(runes) {
		runes = runes[:guess]
	}

	for len(runes) > 0 && tokenizer.EstimateString(string(runes)) > budget {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}

// fitByTruncatingContent is the shared fallback every strategy uses once
// dropping/windowing alone cannot bring a message list under budget: it
// distributes the effective limit evenly across the surviving messages
// and truncates each one's content to its share.
func fitByTruncatingContent(messages []models.Message, effectiveLimit int) []models.Message {
	if len(messages) == 0 {
		return messages
	}
	perMessage := effectiveLimit / len(messages)
	if perMessage < 1 {
		perMessage = 1
	}
	out := make([]models.Message, len(messages))
	for i, m := range messages {
		out[i] = truncateContent(m, perMessage)
	}
	return out
}

// Package tokenizer provides a deterministic, total, pure token-count
// estimator for strings, messages, and conversations (spec §4.1).
//
// Grounded on internal/context/window.go's EstimateTokens in
// haasonsaas-nexus, generalized from a flat chars/4 heuristic to the
// segment-count rule described in §4.1.
package tokenizer

import (
	"encoding/json"
	"strings"
	"unicode"

	"github.com/haasonsaas/agentharness/pkg/models"
)

const (
	frameOverheadPerMessage = 4
	roleCost                = 1
	conversationOverhead    = 3
)

// EstimateString returns the deterministic token estimate for a string:
// max(1, segmentCount, ceil(len(runes)/4)), where segmentCount is the
// number of non-empty segments produced by splitting on whitespace and
// punctuation. An empty (or whitespace-only) string returns 1.
func EstimateString(s string) int {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 1
	}

	segments := splitSegments(trimmed)
	byChars := ceilDiv(runeLen(trimmed), 4)

	best := 1
	if segments > best {
		best = segments
	}
	if byChars > best {
		best = byChars
	}
	return best
}

func runeLen(s string) int {
	return len([]rune(s))
}

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// splitSegments counts maximal runs of non-whitespace, non-punctuation
// runes — the "fixed punctuation/whitespace class" split the spec calls
// for.
func splitSegments(s string) int {
	count := 0
	inSegment := false
	for _, r := range s {
		if isBoundary(r) {
			inSegment = false
			continue
		}
		if !inSegment {
			count++
			inSegment = true
		}
	}
	return count
}

func isBoundary(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// EstimateMessage returns the token estimate for a single message:
// frameOverhead(4) + roleCost(1) + tokens(content) + tokens(JSON(toolCalls)?)
// + tokens(toolResultId?).
func EstimateMessage(m models.Message) int {
	total := frameOverheadPerMessage + roleCost

	if m.HasBlocks() {
		total += estimateBlocks(m.Blocks)
	} else {
		total += EstimateString(m.Text)
	}

	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			total += EstimateString(string(data))
		}
	}

	if m.ToolResultID != "" {
		total += EstimateString(m.ToolResultID)
	}

	return total
}

func estimateBlocks(blocks []models.ContentBlock) int {
	total := 0
	for _, b := range blocks {
		switch b.Type {
		case models.ContentBlockText:
			total += EstimateString(b.Text)
		case models.ContentBlockToolUse:
			total += EstimateString(b.ToolName)
			if len(b.ToolInput) > 0 {
				total += EstimateString(string(b.ToolInput))
			}
		case models.ContentBlockToolResult:
			total += EstimateString(b.ToolOutput)
		case models.ContentBlockImage:
			total += EstimateString(b.ImageURL)
		}
	}
	return total
}

// EstimateMessages returns the token estimate for an entire conversation:
// conversationOverhead(3) + sum of per-message estimates.
func EstimateMessages(messages []models.Message) int {
	total := conversationOverhead
	for _, m := range messages {
		total += EstimateMessage(m)
	}
	return total
}

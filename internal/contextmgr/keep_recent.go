package contextmgr

import (
	"context"

	"github.com/haasonsaas/agentharness/internal/tokenizer"
	"github.com/haasonsaas/agentharness/pkg/models"
)

// KeepSystemAndRecentStrategy groups non-always-keep messages into
// user<->assistant pairs (unpaired singletons allowed) and, from the
// newest group backward, adds whole groups while they fit, falling back
// to the always-keep set plus the latest message truncated to fit
// (spec §4.2).
type KeepSystemAndRecentStrategy struct{}

// NewKeepSystemAndRecentStrategy constructs a KeepSystemAndRecentStrategy.
func NewKeepSystemAndRecentStrategy() *KeepSystemAndRecentStrategy {
	return &KeepSystemAndRecentStrategy{}
}

func (s *KeepSystemAndRecentStrategy) Name() string { return "keep-system-and-recent" }

// group is a contiguous run of original message indices treated as one
// unit for inclusion purposes.
type group struct {
	indices []int
	tokens  int
}

func (s *KeepSystemAndRecentStrategy) Apply(_ context.Context, messages []models.Message, opts StrategyOptions) ([]models.Message, error) {
	limit, err := opts.EffectiveLimit()
	if err != nil {
		return nil, err
	}

	keepTotal := 0
	var nonKeepIdx []int
	for i, m := range messages {
		if alwaysKeep(m) {
			keepTotal += tokenizer.EstimateMessage(m)
		} else {
			nonKeepIdx = append(nonKeepIdx, i)
		}
	}

	groups := buildPairGroups(messages, nonKeepIdx)

	include := make(map[int]bool, len(messages))
	total := keepTotal
	selectedAny := false

	for gi := len(groups) - 1; gi >= 0; gi-- {
		g := groups[gi]
		if total+g.tokens <= limit {
			for _, idx := range g.indices {
				include[idx] = true
			}
			total += g.tokens
			selectedAny = true
		} else {
			break
		}
	}

	if total <= limit && (selectedAny || len(nonKeepIdx) == 0) {
		out := make([]models.Message, 0, len(messages))
		for i, m := range messages {
			if alwaysKeep(m) || include[i] {
				out = append(out, m)
			}
		}
		return out, nil
	}

	return fallbackKeepLatest(messages, limit, keepTotal), nil
}

// buildPairGroups walks non-keep indices in original order and groups a
// user message immediately followed (in the non-keep sequence) by an
// assistant message into a pair; every other message is its own
// singleton group. Groups are returned oldest-first.
func buildPairGroups(messages []models.Message, nonKeepIdx []int) []group {
	var groups []group
	i := 0
	for i < len(nonKeepIdx) {
		idx := nonKeepIdx[i]
		m := messages[idx]
		if m.Role == models.RoleUser && i+1 < len(nonKeepIdx) {
			nextIdx := nonKeepIdx[i+1]
			next := messages[nextIdx]
			if next.Role == models.RoleAssistant {
				groups = append(groups, group{
					indices: []int{idx, nextIdx},
					tokens:  tokenizer.EstimateMessage(m) + tokenizer.EstimateMessage(next),
				})
				i += 2
				continue
			}
		}
		groups = append(groups, group{
			indices: []int{idx},
			tokens:  tokenizer.EstimateMessage(m),
		})
		i++
	}
	return groups
}

package agent

import (
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	truncatedMarker = "…[truncated]"

	// Rough per-message and per-image token costs used by EstimateTokens.
	tokensPerMessage = 4
	tokensPerImage   = 85
)

// HistoryManager bounds the conversation sent to the model: it truncates old
// turns and compresses oversized tool observations.
type HistoryManager struct {
	strategy      string
	preserve      int
	maxToolResult int
}

// NewHistoryManager creates a manager from the agent configuration.
func NewHistoryManager(cfg config.AgentConfig) *HistoryManager {
	preserve := cfg.PreserveRecentCount
	if preserve <= 0 {
		preserve = 40
	}
	maxTool := cfg.MaxToolResultLength
	if maxTool <= 0 {
		maxTool = 8192
	}
	strategy := cfg.TruncateStrategy
	if strategy == "" {
		strategy = "sliding"
	}
	return &HistoryManager{strategy: strategy, preserve: preserve, maxToolResult: maxTool}
}

// Truncate drops old non-system messages once the conversation exceeds the
// preserve budget. System messages always survive and keep their position at
// the front.
func (h *HistoryManager) Truncate(messages []models.ChatMessage) []models.ChatMessage {
	var system, rest []models.ChatMessage
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	if len(rest) <= h.preserve {
		return messages
	}

	var kept []models.ChatMessage
	switch h.strategy {
	case "priority":
		kept = h.priorityKeep(rest)
	default:
		kept = rest[len(rest)-h.preserve:]
	}
	kept = dropOrphanedToolMessages(kept)

	out := make([]models.ChatMessage, 0, len(system)+len(kept))
	out = append(out, system...)
	out = append(out, kept...)
	return out
}

// priorityKeep splits the budget between recent user turns and recent
// assistant/tool turns, then restores chronological order.
func (h *HistoryManager) priorityKeep(rest []models.ChatMessage) []models.ChatMessage {
	userBudget := h.preserve / 2
	otherBudget := h.preserve - userBudget

	keep := make([]bool, len(rest))
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i].Role == models.RoleUser {
			if userBudget > 0 {
				keep[i] = true
				userBudget--
			}
		} else if otherBudget > 0 {
			keep[i] = true
			otherBudget--
		}
	}

	out := make([]models.ChatMessage, 0, h.preserve)
	for i, m := range rest {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// dropOrphanedToolMessages removes tool results whose originating assistant
// tool call fell off the window.
func dropOrphanedToolMessages(messages []models.ChatMessage) []models.ChatMessage {
	known := map[string]bool{}
	out := messages[:0:len(messages)]
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		if m.Role == models.RoleTool && !known[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CompressToolResults truncates tool observations that exceed the configured
// length, marking the cut.
func (h *HistoryManager) CompressToolResults(messages []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role != models.RoleTool {
			continue
		}
		if len(out[i].Content) > h.maxToolResult {
			out[i].Content = truncateUTF8(out[i].Content, h.maxToolResult) + truncatedMarker
		}
	}
	return out
}

// EstimateTokens approximates the prompt size: four tokens of framing per
// message, one token per four bytes of text, and a flat cost per image.
func (h *HistoryManager) EstimateTokens(messages []models.ChatMessage) int {
	total := 0
	for i := range messages {
		m := &messages[i]
		total += tokensPerMessage
		text := m.Text()
		total += (len(text) + 3) / 4
		for _, p := range m.Parts {
			if p.Type == models.PartImage {
				total += tokensPerImage
			}
		}
	}
	return total
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && (s[n]&0xC0) == 0x80 {
		n--
	}
	return s[:n]
}

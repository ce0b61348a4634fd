package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// Complexity thresholds map a score onto a target level. Monotonic: a
// higher score never yields a lower level.
var complexityThresholds = []struct {
	limit int
	level models.ModelLevel
}{
	{20, models.LevelFast},
	{40, models.LevelLow},
	{80, models.LevelMedium},
	{120, models.LevelHigh},
}

// Router selects a model per turn from routing signals: vision, tool
// keywords, a complexity score, and configured keyword rules.
type Router struct {
	cfg     config.RoutingConfig
	gateway *Gateway
}

// NewRouter creates a router over the gateway's registered models.
func NewRouter(cfg config.RoutingConfig, gateway *Gateway) *Router {
	return &Router{cfg: cfg, gateway: gateway}
}

// Enabled reports whether routing is active.
func (r *Router) Enabled() bool { return r.cfg.Enabled }

// Select picks a model for the turn and returns its descriptor pinned as
// "provider/model". The second return is false when no candidate fits.
func (r *Router) Select(messages []models.ChatMessage, media []models.Media) (models.ModelDescriptor, bool) {
	lastUser := lastUserText(messages)

	visionRequired := hasImageContent(messages, media)
	toolRequired := r.matchesToolKeyword(lastUser)
	target := r.targetLevel(lastUser, messages, toolRequired)

	candidates := r.gateway.AllDescriptors()
	filtered := candidates[:0:0]
	for _, d := range candidates {
		if visionRequired && !d.Capabilities.Vision {
			continue
		}
		if toolRequired && !d.Capabilities.Tools {
			continue
		}
		filtered = append(filtered, d)
	}
	if len(filtered) == 0 {
		return models.ModelDescriptor{}, false
	}

	// Prefer an exact level match; otherwise closest by rank. In Max mode
	// distance ties resolve to the higher level, otherwise to the lower.
	// Candidate order already encodes provider priority; model id breaks
	// the final tie.
	sort.SliceStable(filtered, func(i, j int) bool {
		di := levelDistance(filtered[i].Level, target)
		dj := levelDistance(filtered[j].Level, target)
		if di != dj {
			return di < dj
		}
		ri, rj := filtered[i].Level.Rank(), filtered[j].Level.Rank()
		if ri != rj {
			if r.cfg.Max {
				return ri > rj
			}
			return ri < rj
		}
		return false
	})
	return filtered[0], true
}

// PinnedID formats a descriptor as the gateway's provider-pinned model id.
func PinnedID(d models.ModelDescriptor) string {
	if d.Provider == "" {
		return d.ID
	}
	return d.Provider + "/" + d.ID
}

func (r *Router) targetLevel(lastUser string, messages []models.ChatMessage, toolRequired bool) models.ModelLevel {
	if r.cfg.Max {
		return models.LevelUltra
	}
	if level, ok := r.matchRule(lastUser); ok {
		return level
	}

	score := r.cfg.BaseScore
	score += len(lastUser) / 100 * r.cfg.LengthWeight
	score += r.cfg.CodeBlockScore * strings.Count(lastUser, "```") / 2
	if toolRequired {
		score += r.cfg.ToolCallScore
	}
	score += r.cfg.MultiTurnScore * len(messages)

	for _, t := range complexityThresholds {
		if score < t.limit {
			return t.level
		}
	}
	return models.LevelUltra
}

// matchRule applies the configured keyword rules; the highest-priority
// matching rule wins.
func (r *Router) matchRule(text string) (models.ModelLevel, bool) {
	lower := strings.ToLower(text)
	matched := false
	var best config.RoutingRule
	for _, rule := range r.cfg.Rules {
		if rule.MinLength > 0 && len(text) < rule.MinLength {
			continue
		}
		if rule.MaxLength > 0 && len(text) > rule.MaxLength {
			continue
		}
		hit := false
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		if !matched || rule.Priority > best.Priority {
			matched = true
			best = rule
		}
	}
	if !matched {
		return "", false
	}
	return best.Level, true
}

func (r *Router) matchesToolKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range r.cfg.ToolKeywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func levelDistance(a, b models.ModelLevel) int {
	d := a.Rank() - b.Rank()
	if d < 0 {
		return -d
	}
	return d
}

func lastUserText(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Text()
		}
	}
	return ""
}

func hasImageContent(messages []models.ChatMessage, media []models.Media) bool {
	for _, m := range media {
		if m.Type == "image" || strings.HasPrefix(m.MimeType, "image/") {
			return true
		}
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser && messages[i].HasImage() {
			return true
		}
	}
	return false
}

// AnalyzeTaskType asks the configured intent model to classify the task and
// maps the tag to a preconfigured model. Intent calls bypass routing.
func (r *Router) AnalyzeTaskType(ctx context.Context, messages []models.ChatMessage, media []models.Media) (string, error) {
	if r.cfg.IntentModel == "" {
		return "", fmt.Errorf("llm: no intent model configured")
	}
	prompt := "Classify the user request into exactly one word from: chat, code, vision, search, write. Reply with the word only."
	req := &providers.ChatRequest{
		Model: r.cfg.IntentModel,
		Messages: append([]models.ChatMessage{
			{Role: models.RoleSystem, Content: prompt},
		}, messages...),
		Config: models.GenerationConfig{MaxTokens: 8},
	}
	resp, err := r.gateway.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	tag := strings.ToLower(strings.TrimSpace(resp.Content))
	if hasImageContent(messages, media) {
		tag = "vision"
	}
	if model, ok := r.cfg.TaskModels[tag]; ok {
		return model, nil
	}
	return "", fmt.Errorf("llm: no model configured for task %q", tag)
}

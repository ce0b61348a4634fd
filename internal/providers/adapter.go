// Package providers implements LLM backend adapters behind a single
// polymorphic contract. Each adapter converts between the internal message
// format and its wire dialect and normalizes failures into ProviderError.
package providers

import (
	"context"

	"github.com/haasonsaas/relay/pkg/models"
)

// ChatRequest is one completion request as seen by an adapter.
type ChatRequest struct {
	Model    string
	Messages []models.ChatMessage
	Tools    []models.ToolDefinition
	Config   models.GenerationConfig
}

// ChatResponse is the adapter's answer. UsedProvider, UsedModel, and Level
// are stamped by the gateway after the winning attempt.
type ChatResponse struct {
	Content      string
	ToolCalls    []models.ToolCall
	Usage        *models.Usage
	UsedProvider string
	UsedModel    string
	Level        models.ModelLevel
}

// Adapter is the contract every LLM backend implements.
type Adapter interface {
	// Name identifies the adapter in routing and logs.
	Name() string

	// Chat runs one completion. Tools are forwarded only when the selected
	// model's capabilities include tool calling.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// DefaultModel is used when a request names no model.
	DefaultModel() string

	// Available reports whether the adapter is usable.
	Available() bool

	// Capabilities returns the descriptor for a model. Unknown models get
	// a conservative default.
	Capabilities(modelID string) models.ModelDescriptor

	// ListModels enumerates backend models, or nil when the backend cannot.
	ListModels(ctx context.Context) ([]string, error)
}

// descriptorSet indexes configured model descriptors for an adapter.
type descriptorSet struct {
	provider string
	byID     map[string]models.ModelDescriptor
}

func newDescriptorSet(provider string, descriptors []models.ModelDescriptor) descriptorSet {
	set := descriptorSet{provider: provider, byID: map[string]models.ModelDescriptor{}}
	for _, d := range descriptors {
		if d.Provider == "" {
			d.Provider = provider
		}
		set.byID[d.ID] = d
	}
	return set
}

// lookup returns the descriptor for id. Unregistered models default to a
// medium-level tool-capable text model.
func (s descriptorSet) lookup(id string) models.ModelDescriptor {
	if d, ok := s.byID[id]; ok {
		return d
	}
	return models.ModelDescriptor{
		ID:           id,
		Provider:     s.provider,
		Level:        models.LevelMedium,
		Capabilities: models.Capabilities{Tools: true},
	}
}

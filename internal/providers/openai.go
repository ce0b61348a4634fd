package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIAdapter speaks the OpenAI chat-completions dialect. With a custom
// base URL it also covers local OpenAI-compatible servers, where an empty
// API key is permitted.
type OpenAIAdapter struct {
	name         string
	client       *openai.Client
	defaultModel string
	descriptors  descriptorSet
}

// OpenAIConfig configures an OpenAIAdapter.
type OpenAIConfig struct {
	// Name is the registered provider name, e.g. "openai" or "ollama".
	Name string

	APIKey  string
	BaseURL string

	// DefaultModel is used when a request names no model.
	DefaultModel string

	// Descriptors declares levels and capabilities for known models.
	Descriptors []models.ModelDescriptor
}

// NewOpenAI creates an adapter from cfg.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("%s: default model is required", cfg.Name)
	}
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{
		name:         cfg.Name,
		client:       openai.NewClientWithConfig(cc),
		defaultModel: cfg.DefaultModel,
		descriptors:  newDescriptorSet(cfg.Name, cfg.Descriptors),
	}, nil
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() string { return a.name }

// DefaultModel implements Adapter.
func (a *OpenAIAdapter) DefaultModel() string { return a.defaultModel }

// Available implements Adapter.
func (a *OpenAIAdapter) Available() bool { return a != nil && a.client != nil }

// Capabilities implements Adapter.
func (a *OpenAIAdapter) Capabilities(modelID string) models.ModelDescriptor {
	return a.descriptors.lookup(modelID)
}

// ListModels implements Adapter.
func (a *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, a.wrap("", err)
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Chat implements Adapter.
func (a *OpenAIAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	r := openai.ChatCompletionRequest{
		Model:            model,
		Messages:         convertOpenAIMessages(req.Messages),
		MaxTokens:        req.Config.MaxTokens,
		Temperature:      req.Config.Temperature,
		TopP:             req.Config.TopP,
		FrequencyPenalty: req.Config.FrequencyPenalty,
	}
	if len(req.Tools) > 0 && a.Capabilities(model).Capabilities.Tools {
		r.Tools = convertOpenAITools(req.Tools)
	}

	resp, err := a.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return nil, a.wrap(model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Provider: a.name, Model: model, Kind: ErrKindServer,
			Message: "empty choices in response",
		}
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) wrap(model string, err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return wrapError(a.name, model, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return wrapError(a.name, model, reqErr.HTTPStatusCode, err)
	}
	return wrapError(a.name, model, 0, err)
}

func convertOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: string(m.Role)}
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Type {
				case models.PartImage:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL},
					})
				default:
					cm.MultiContent = append(cm.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				}
			}
		} else {
			cm.Content = m.Content
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		cm.ToolCallID = m.ToolCallID
		out = append(out, cm)
	}
	return out
}

func convertOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

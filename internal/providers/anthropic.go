package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relay/pkg/models"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicAdapter speaks the Anthropic Messages API.
type AnthropicAdapter struct {
	name         string
	client       anthropic.Client
	defaultModel string
	descriptors  descriptorSet
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Descriptors  []models.ModelDescriptor
}

// NewAnthropic creates an adapter from cfg.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicAdapter, error) {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.DefaultModel == "" {
		return nil, fmt.Errorf("%s: default model is required", cfg.Name)
	}
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{
		name:         cfg.Name,
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		descriptors:  newDescriptorSet(cfg.Name, cfg.Descriptors),
	}, nil
}

// Name implements Adapter.
func (a *AnthropicAdapter) Name() string { return a.name }

// DefaultModel implements Adapter.
func (a *AnthropicAdapter) DefaultModel() string { return a.defaultModel }

// Available implements Adapter.
func (a *AnthropicAdapter) Available() bool { return a != nil }

// Capabilities implements Adapter.
func (a *AnthropicAdapter) Capabilities(modelID string) models.ModelDescriptor {
	return a.descriptors.lookup(modelID)
}

// ListModels implements Adapter. The Messages API has no model listing that
// fits the registry shape, so only configured descriptors are reported.
func (a *AnthropicAdapter) ListModels(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(a.descriptors.byID))
	for id := range a.descriptors.byID {
		ids = append(ids, id)
	}
	return ids, nil
}

// Chat implements Adapter.
func (a *AnthropicAdapter) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	conversation, system, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, &ProviderError{Provider: a.name, Model: model, Kind: ErrKindBadRequest, Cause: err}
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  conversation,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Config.Temperature))
	}
	if req.Config.TopP > 0 {
		params.TopP = anthropic.Float(float64(req.Config.TopP))
	}
	if req.Config.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.Config.TopK))
	}
	if len(req.Tools) > 0 && a.Capabilities(model).Capabilities.Tools {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, &ProviderError{Provider: a.name, Model: model, Kind: ErrKindBadRequest, Cause: err}
		}
		params.Tools = tools
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.wrap(model, err)
	}

	out := &ChatResponse{}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	out.Content = text.String()
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		out.Usage = &models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		}
	}
	return out, nil
}

func (a *AnthropicAdapter) wrap(model string, err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return wrapError(a.name, model, apiErr.StatusCode, err)
	}
	return wrapError(a.name, model, 0, err)
}

// convertAnthropicMessages splits system messages out (the Messages API
// takes them as a separate parameter) and converts the rest to content
// blocks. Tool messages become tool_result blocks in a user message.
func convertAnthropicMessages(msgs []models.ChatMessage) ([]anthropic.MessageParam, []anthropic.TextBlockParam, error) {
	var conversation []anthropic.MessageParam
	var system []anthropic.TextBlockParam

	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if text := m.Text(); text != "" {
				system = append(system, anthropic.TextBlockParam{Text: text})
			}
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Role == models.RoleTool {
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		} else if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Type {
				case models.PartImage:
					block, err := anthropicImageBlock(p)
					if err != nil {
						return nil, nil, err
					}
					blocks = append(blocks, block)
				default:
					if p.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(p.Text))
					}
				}
			}
		} else if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}

		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, nil, fmt.Errorf("tool call %s has invalid arguments: %w", tc.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			conversation = append(conversation, anthropic.NewAssistantMessage(blocks...))
		} else {
			conversation = append(conversation, anthropic.NewUserMessage(blocks...))
		}
	}
	return conversation, system, nil
}

func anthropicImageBlock(p models.ContentPart) (anthropic.ContentBlockParamUnion, error) {
	if mediaType, data, ok := parseDataURL(p.ImageURL); ok {
		mt, ok := anthropicMediaType(mediaType)
		if !ok {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported image media type %q", mediaType)
		}
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{Data: data, MediaType: mt},
				},
			},
		}, nil
	}
	if p.ImageURL != "" {
		return anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfURL: &anthropic.URLImageSourceParam{URL: p.ImageURL},
				},
			},
		}, nil
	}
	return anthropic.ContentBlockParamUnion{}, errors.New("image part has no url")
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func parseDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

func convertAnthropicTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("tool %q has invalid schema: %w", t.Name, err)
		}
		u := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

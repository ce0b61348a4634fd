package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/relay/pkg/models"
)

func newAnthropicAdapter(t *testing.T, baseURL string) *AnthropicAdapter {
	t.Helper()
	a, err := NewAnthropic(AnthropicConfig{
		Name:         "anthropic",
		APIKey:       "test-key",
		BaseURL:      baseURL,
		DefaultModel: "claude-test",
		Descriptors: []models.ModelDescriptor{
			{ID: "claude-test", Level: models.LevelHigh,
				Capabilities: models.Capabilities{Tools: true, Vision: true}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAnthropicChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [
				{"type": "text", "text": "let me check"},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "notes.txt"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 9, "output_tokens": 4}
		}`))
	}))
	defer srv.Close()

	a := newAnthropicAdapter(t, srv.URL)
	resp, err := a.Chat(context.Background(), &ChatRequest{
		Model:    "claude-test",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "read my notes"}},
		Tools: []models.ToolDefinition{{
			Name:       "read_file",
			Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "let me check" {
		t.Errorf("content: %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: %+v", resp.ToolCalls)
	}
	call := resp.ToolCalls[0]
	if call.ID != "tu_1" || call.Name != "read_file" {
		t.Errorf("call: %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args["path"] != "notes.txt" {
		t.Errorf("arguments: %s", call.Arguments)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 9 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestAnthropicWrapClassifiesStatus(t *testing.T) {
	a := newAnthropicAdapter(t, "")
	perr := a.wrap("claude-test", &anthropic.Error{StatusCode: 429})
	if perr.Kind != ErrKindRateLimit || !perr.Transient() {
		t.Errorf("429: %+v", perr)
	}
	perr = a.wrap("claude-test", &anthropic.Error{StatusCode: 401})
	if perr.Kind != ErrKindAuth || perr.Transient() {
		t.Errorf("401: %+v", perr)
	}
}

func TestConvertAnthropicMessagesSplitsSystem(t *testing.T) {
	conversation, system, err := convertAnthropicMessages([]models.ChatMessage{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tu_1", Name: "echo", Arguments: json.RawMessage(`{"text":"x"}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "tu_1", Content: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(system) != 1 || system[0].Text != "be brief" {
		t.Errorf("system: %+v", system)
	}
	// user, assistant tool_use, user-wrapped tool_result
	if len(conversation) != 3 {
		t.Fatalf("conversation: %d messages", len(conversation))
	}
	if conversation[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("tool_use role: %v", conversation[1].Role)
	}
	if conversation[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("tool_result role: %v", conversation[2].Role)
	}
}

func TestConvertAnthropicMessagesRejectsBadToolArgs(t *testing.T) {
	_, _, err := convertAnthropicMessages([]models.ChatMessage{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "tu_1", Name: "echo", Arguments: json.RawMessage(`not json`)},
		}},
	})
	if err == nil {
		t.Fatal("invalid tool arguments accepted")
	}
}

func TestParseDataURL(t *testing.T) {
	mt, data, ok := parseDataURL("data:image/png;base64,aGk=")
	if !ok || mt != "image/png" || data != "aGk=" {
		t.Errorf("parsed %q %q %v", mt, data, ok)
	}
	if _, _, ok := parseDataURL("https://example.com/x.png"); ok {
		t.Error("plain url treated as data url")
	}
	if _, _, ok := parseDataURL("data:image/png,raw"); ok {
		t.Error("non-base64 data url accepted")
	}
}

package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func newOpenAIServer(t *testing.T, status int, body string, capture *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if capture != nil {
			data, _ := io.ReadAll(r.Body)
			*capture = data
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

const completionWithToolCall = `{
	"choices": [{"message": {
		"role": "assistant",
		"content": "",
		"tool_calls": [{"id": "call_1", "type": "function",
			"function": {"name": "echo", "arguments": "{\"text\":\"ok\"}"}}]
	}}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 3}
}`

func TestOpenAIChatParsesToolCalls(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusOK, completionWithToolCall, nil)
	defer srv.Close()

	adapter, err := NewOpenAI(OpenAIConfig{
		Name:         "local",
		BaseURL:      srv.URL + "/v1",
		DefaultModel: "m1",
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls: %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "echo" || string(tc.Arguments) != `{"text":"ok"}` {
		t.Errorf("tool call: %+v", tc)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage: %+v", resp.Usage)
	}
}

func TestOpenAISuppressesToolsForIncapableModel(t *testing.T) {
	var body []byte
	srv := newOpenAIServer(t, http.StatusOK,
		`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`, &body)
	defer srv.Close()

	adapter, err := NewOpenAI(OpenAIConfig{
		Name:         "local",
		BaseURL:      srv.URL + "/v1",
		DefaultModel: "m1",
		Descriptors: []models.ModelDescriptor{
			{ID: "m1", Level: models.LevelFast, Capabilities: models.Capabilities{Tools: false}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	tools := []models.ToolDefinition{{
		Name:       "echo",
		Parameters: json.RawMessage(`{"type":"object"}`),
	}}
	if _, err := adapter.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
		Tools:    tools,
	}); err != nil {
		t.Fatal(err)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload["tools"]; ok {
		t.Errorf("tools forwarded to incapable model: %s", body)
	}
}

func TestOpenAIClassifiesRateLimit(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"slow down","type":"rate_limit_error"}}`, nil)
	defer srv.Close()

	adapter, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", DefaultModel: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = adapter.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "x"}},
	})
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != ErrKindRateLimit || !pe.Transient() {
		t.Errorf("classified as %s transient=%v", pe.Kind, pe.Transient())
	}
}

func TestOpenAIClassifiesAuth(t *testing.T) {
	srv := newOpenAIServer(t, http.StatusUnauthorized,
		`{"error":{"message":"bad key","type":"invalid_request_error"}}`, nil)
	defer srv.Close()

	adapter, err := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", DefaultModel: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = adapter.Chat(context.Background(), &ChatRequest{
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "x"}},
	})
	pe, ok := AsProviderError(err)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != ErrKindAuth || pe.Transient() {
		t.Errorf("classified as %s transient=%v", pe.Kind, pe.Transient())
	}
}

func TestConvertOpenAIMessagesMultipart(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleUser, Parts: []models.ContentPart{
			{Type: models.PartText, Text: "what is this"},
			{Type: models.PartImage, ImageURL: "https://example.com/cat.png"},
		}},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"a":1}`)},
		}},
		{Role: models.RoleTool, ToolCallID: "1", Content: "ok"},
	}
	out := convertOpenAIMessages(msgs)
	if len(out) != 3 {
		t.Fatalf("len = %d", len(out))
	}
	if len(out[0].MultiContent) != 2 {
		t.Errorf("multipart lost: %+v", out[0])
	}
	if out[0].MultiContent[1].ImageURL == nil ||
		!strings.Contains(out[0].MultiContent[1].ImageURL.URL, "cat.png") {
		t.Errorf("image part: %+v", out[0].MultiContent[1])
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Errorf("tool calls: %+v", out[1].ToolCalls)
	}
	if out[2].ToolCallID != "1" {
		t.Errorf("tool call id: %+v", out[2])
	}
}

func TestErrorKindTransience(t *testing.T) {
	tests := []struct {
		kind      ErrorKind
		transient bool
	}{
		{ErrKindAuth, false},
		{ErrKindBadRequest, false},
		{ErrKindRateLimit, true},
		{ErrKindServer, true},
		{ErrKindTransport, true},
		{ErrKindTimeout, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Transient(); got != tt.transient {
			t.Errorf("%s transient = %v, want %v", tt.kind, got, tt.transient)
		}
	}
}

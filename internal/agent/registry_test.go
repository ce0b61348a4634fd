package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"text": {"type": "string"}},
	"required": ["text"],
	"additionalProperties": false
}`)

func echoTool() *FuncTool {
	return &FuncTool{
		ToolName:        "echo",
		ToolDescription: "repeats its input",
		ToolSchema:      echoSchema,
		Fn: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		},
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(echoTool()); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		tool := echoTool()
		tool.ToolName = name
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[2].Name != "zeta" {
		t.Errorf("definitions: %v", defs)
	}
}

func TestExecuteRunsTool(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}
	got := r.Execute(context.Background(), models.ToolCall{
		ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"text":"hello"}`),
	}, &ToolContext{})
	if got != "hello" {
		t.Errorf("result %q", got)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	if err := r.Register(echoTool()); err != nil {
		t.Fatal(err)
	}

	cases := []json.RawMessage{
		json.RawMessage(`{"wrong":"field"}`),
		json.RawMessage(`"just a string"`),
		json.RawMessage(`{"text":`),
	}
	for _, args := range cases {
		got := r.Execute(context.Background(), models.ToolCall{Name: "echo", Arguments: args}, &ToolContext{})
		if !strings.HasPrefix(got, "错误:") {
			t.Errorf("args %s accepted: %q", args, got)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	got := r.Execute(context.Background(), models.ToolCall{Name: "missing"}, &ToolContext{})
	if !strings.HasPrefix(got, "错误:") {
		t.Errorf("unknown tool result: %q", got)
	}
}

func TestExecuteWrapsToolError(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	err := r.Register(&FuncTool{
		ToolName: "bomb",
		Fn: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error) {
			return "", errors.New("fuse lit")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got := r.Execute(context.Background(), models.ToolCall{Name: "bomb", Arguments: json.RawMessage(`{}`)}, &ToolContext{})
	var payload struct {
		Error   bool   `json:"error"`
		Message string `json:"message"`
		Tool    string `json:"tool"`
	}
	if err := json.Unmarshal([]byte(got), &payload); err != nil {
		t.Fatalf("not JSON: %q", got)
	}
	if !payload.Error || payload.Tool != "bomb" || payload.Message != "fuse lit" {
		t.Errorf("payload: %+v", payload)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry(slog.Default(), nil)
	err := r.Register(&FuncTool{
		ToolName:   "broken",
		ToolSchema: json.RawMessage(`{"type": 12}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error) {
			return "", nil
		},
	})
	if err == nil {
		t.Fatal("invalid schema accepted")
	}
}

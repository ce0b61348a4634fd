package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// ToolContext carries the channel environment into a tool execution.
type ToolContext struct {
	Channel    string
	ChatID     string
	Workspace  string
	CurrentDir string

	// SendToBus lets a tool emit an extra outbound message mid-turn, for
	// example a progress notice. May be nil.
	SendToBus func(ctx context.Context, msg *models.OutboundMessage) error
}

// Tool is one capability the agent can invoke. Execute returns the
// observation handed back to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools offered to the model and executes calls against
// their JSON Schemas. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: map[string]*registeredTool{}, logger: logger, metrics: metrics}
}

// Register adds a tool. Registering the same name twice is an error. A tool
// with an empty schema skips input validation.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("registry: tool with empty name")
	}

	var compiled *jsonschema.Schema
	if raw := t.Schema(); len(raw) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("registry: compile schema for %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("registry: tool %s already registered", name)
	}
	r.tools[name] = &registeredTool{tool: t, schema: compiled}
	return nil
}

// Definitions lists the registered tools for the model, sorted by name.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, models.ToolDefinition{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Parameters:  rt.tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one tool call and always returns an observation string for
// the model: the tool result on success, an error string otherwise. Tool
// failures never escape as Go errors; the model decides how to recover.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall, tc *ToolContext) string {
	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		r.countExecution(call.Name, "unknown")
		return fmt.Sprintf("错误: unknown tool %q", call.Name)
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		r.countExecution(call.Name, "invalid_args")
		return fmt.Sprintf("错误: tool %s arguments are not valid JSON: %v", call.Name, err)
	}
	if rt.schema != nil {
		if err := rt.schema.Validate(decoded); err != nil {
			r.countExecution(call.Name, "invalid_args")
			return fmt.Sprintf("错误: tool %s arguments rejected: %v", call.Name, err)
		}
	}

	start := time.Now()
	result, err := rt.tool.Execute(ctx, args, tc)
	if r.metrics != nil {
		r.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.countExecution(call.Name, "error")
		r.logger.Warn("tool failed", "tool", call.Name, "error", err)
		payload, _ := json.Marshal(map[string]any{
			"error":   true,
			"message": err.Error(),
			"tool":    call.Name,
		})
		return string(payload)
	}
	r.countExecution(call.Name, "ok")
	return result
}

func (r *Registry) countExecution(tool, status string) {
	if r.metrics != nil {
		r.metrics.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	}
}

// FuncTool adapts plain functions into the Tool interface.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error)
}

func (t *FuncTool) Name() string            { return t.ToolName }
func (t *FuncTool) Description() string     { return t.ToolDescription }
func (t *FuncTool) Schema() json.RawMessage { return t.ToolSchema }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (string, error) {
	return t.Fn(ctx, args, tc)
}

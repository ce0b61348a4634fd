// Package trace records structured call traces for agent turns. Each turn
// gets a trace id; every traced call becomes a span written as one JSON line.
// The tracer sits outside the data path: it never blocks or mutates domain
// state, and a nil Tracer is a no-op.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Header is the first line of a trace file.
type Header struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Span is one traced call.
type Span struct {
	TraceID  string    `json:"trace_id"`
	SpanID   string    `json:"span_id"`
	ParentID string    `json:"parent_id,omitempty"`
	Depth    int       `json:"depth"`
	File     string    `json:"file"`
	Method   string    `json:"method"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration int64     `json:"duration_ms"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
	Input    any       `json:"input,omitempty"`
	Output   any       `json:"output,omitempty"`
}

// Tracer writes spans to a JSONL sink.
type Tracer struct {
	mu      sync.Mutex
	writer  io.Writer
	file    *os.File
	header  Header
	started bool
}

// New creates a tracer writing to w.
func New(w io.Writer) *Tracer {
	return &Tracer{
		writer: w,
		header: Header{Version: 1, RunID: uuid.NewString(), StartedAt: time.Now()},
	}
}

// NewFile creates a tracer writing to the given path, truncating it.
func NewFile(path string) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", path, err)
	}
	t := New(f)
	t.file = f
	return t, nil
}

// Close closes the trace file if one was opened.
func (t *Tracer) Close() error {
	if t == nil || t.file == nil {
		return nil
	}
	return t.file.Close()
}

func (t *Tracer) emit(span *Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.started = true
		if data, err := json.Marshal(t.header); err == nil {
			_, _ = t.writer.Write(data)
			_, _ = t.writer.Write([]byte("\n"))
		}
	}
	data, err := json.Marshal(span)
	if err != nil {
		// Best effort; a span that cannot serialize is dropped.
		return
	}
	_, _ = t.writer.Write(data)
	_, _ = t.writer.Write([]byte("\n"))
}

type ctxKey int

const turnKey ctxKey = 0

// turn is the task-local trace state for one agent turn.
type turn struct {
	traceID string
	depth   atomic.Int32
	current atomic.Value // span id of the innermost open span
}

// StartTurn begins a new trace for one agent turn and returns the derived
// context and the trace id.
func StartTurn(ctx context.Context) (context.Context, string) {
	tu := &turn{traceID: uuid.NewString()}
	return context.WithValue(ctx, turnKey, tu), tu.traceID
}

// ID returns the active trace id, or "" outside a turn.
func ID(ctx context.Context) string {
	if tu, ok := ctx.Value(turnKey).(*turn); ok {
		return tu.traceID
	}
	return ""
}

// Call wraps fn in a span, recording duration, success, and redacted input
// and output. A nil tracer or a context without an active turn still runs fn.
func Call[T any](ctx context.Context, t *Tracer, file, method string, input any, fn func(context.Context) (T, error)) (T, error) {
	tu, _ := ctx.Value(turnKey).(*turn)
	if t == nil || tu == nil {
		return fn(ctx)
	}

	span := &Span{
		TraceID: tu.traceID,
		SpanID:  uuid.NewString(),
		File:    file,
		Method:  method,
		Start:   time.Now(),
		Input:   Redact(input),
	}
	if parent, ok := tu.current.Load().(string); ok {
		span.ParentID = parent
	}
	span.Depth = int(tu.depth.Add(1)) - 1
	prev := tu.current.Load()
	tu.current.Store(span.SpanID)

	out, err := fn(ctx)

	tu.depth.Add(-1)
	if prev != nil {
		tu.current.Store(prev)
	}
	span.End = time.Now()
	span.Duration = span.End.Sub(span.Start).Milliseconds()
	span.Success = err == nil
	if err != nil {
		span.Error = err.Error()
	} else {
		span.Output = Redact(out)
	}
	t.emit(span)
	return out, err
}

const (
	redactedPlaceholder = "***REDACTED***"
	maxRedactDepth      = 5
	maxArrayElements    = 100
)

var sensitiveKeyParts = []string{"password", "token", "secret", "apikey", "authorization"}

// Redact returns a copy of v safe for trace output: sensitive map keys are
// masked, byte buffers collapsed, arrays truncated, and recursion bounded.
func Redact(v any) any {
	return redactValue(v, 0)
}

func redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return "[depth-limit]"
	}
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return "[buffer]"
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return "[buffer]"
		}
		return redactValue(decoded, depth+1)
	case string, bool, int, int32, int64, float32, float64:
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(item, depth+1)
		}
		return out
	case []any:
		n := len(val)
		truncated := false
		if n > maxArrayElements {
			n = maxArrayElements
			truncated = true
		}
		out := make([]any, 0, n+1)
		for i := 0; i < n; i++ {
			out = append(out, redactValue(val[i], depth+1))
		}
		if truncated {
			out = append(out, fmt.Sprintf("[+%d more]", len(val)-maxArrayElements))
		}
		return out
	default:
		// Round-trip through JSON to reach struct fields generically.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%T", val)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Sprintf("%T", val)
		}
		return redactValue(decoded, depth+1)
	}
}

var keySeparators = strings.NewReplacer("_", "", "-", "")

// isSensitiveKey normalizes separators so api_key, api-key, and apiKey all
// match the same pattern.
func isSensitiveKey(key string) bool {
	k := keySeparators.Replace(strings.ToLower(key))
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

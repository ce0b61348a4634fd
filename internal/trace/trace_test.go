package trace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestCallWritesHeaderAndSpan(t *testing.T) {
	var buf bytes.Buffer
	tracer := New(&buf)
	ctx, traceID := StartTurn(context.Background())

	got, err := Call(ctx, tracer, "gateway.go", "Chat", map[string]any{"model": "m1"}, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("call: got %q, %v", got, err)
	}

	scanner := bufio.NewScanner(&buf)
	if !scanner.Scan() {
		t.Fatal("missing header line")
	}
	var header Header
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		t.Fatalf("header: %v", err)
	}
	if header.Version != 1 || header.RunID == "" {
		t.Fatalf("bad header: %+v", header)
	}

	if !scanner.Scan() {
		t.Fatal("missing span line")
	}
	var span Span
	if err := json.Unmarshal(scanner.Bytes(), &span); err != nil {
		t.Fatalf("span: %v", err)
	}
	if span.TraceID != traceID || span.Method != "Chat" || !span.Success {
		t.Fatalf("bad span: %+v", span)
	}
}

func TestCallRecordsFailure(t *testing.T) {
	var buf bytes.Buffer
	tracer := New(&buf)
	ctx, _ := StartTurn(context.Background())

	_, err := Call(ctx, tracer, "tools.go", "Execute", nil, func(ctx context.Context) (string, error) {
		return "", errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error passthrough")
	}
	if !strings.Contains(buf.String(), `"success":false`) {
		t.Fatalf("failure not recorded: %s", buf.String())
	}
}

func TestNestedSpansTrackDepth(t *testing.T) {
	var buf bytes.Buffer
	tracer := New(&buf)
	ctx, _ := StartTurn(context.Background())

	_, _ = Call(ctx, tracer, "a.go", "outer", nil, func(ctx context.Context) (any, error) {
		return Call(ctx, tracer, "b.go", "inner", nil, func(ctx context.Context) (any, error) {
			return nil, nil
		})
	})

	var spans []Span
	scanner := bufio.NewScanner(&buf)
	scanner.Scan() // header
	for scanner.Scan() {
		var s Span
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			t.Fatalf("decode span: %v", err)
		}
		spans = append(spans, s)
	}
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	// Inner span completes first.
	if spans[0].Method != "inner" || spans[0].Depth != 1 {
		t.Errorf("inner span: %+v", spans[0])
	}
	if spans[1].Method != "outer" || spans[1].Depth != 0 {
		t.Errorf("outer span: %+v", spans[1])
	}
	if spans[0].ParentID != spans[1].SpanID {
		t.Errorf("inner parent %q != outer id %q", spans[0].ParentID, spans[1].SpanID)
	}
}

func TestNilTracerIsNoop(t *testing.T) {
	got, err := Call(context.Background(), nil, "x.go", "m", nil, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("got %d, %v", got, err)
	}
}

func TestRedact(t *testing.T) {
	in := map[string]any{
		"Authorization": "Bearer abc",
		"api_key":       "sk-123",
		"Api-Key":       "sk-456",
		"query":         "hello",
		"payload":       []byte("raw"),
		"nested":        map[string]any{"Password": "hunter2", "ok": true},
	}
	out, ok := Redact(in).(map[string]any)
	if !ok {
		t.Fatalf("unexpected type %T", Redact(in))
	}
	if out["Authorization"] != redactedPlaceholder || out["api_key"] != redactedPlaceholder {
		t.Errorf("sensitive keys not masked: %v", out)
	}
	if out["Api-Key"] != redactedPlaceholder {
		t.Errorf("separator spelling not masked: %v", out["Api-Key"])
	}
	if out["query"] != "hello" {
		t.Errorf("plain value altered: %v", out["query"])
	}
	if out["payload"] != "[buffer]" {
		t.Errorf("buffer not collapsed: %v", out["payload"])
	}
	nested := out["nested"].(map[string]any)
	if nested["Password"] != redactedPlaceholder {
		t.Errorf("nested key not masked: %v", nested)
	}
}

func TestRedactTruncatesArraysAndDepth(t *testing.T) {
	big := make([]any, 150)
	for i := range big {
		big[i] = i
	}
	out := Redact(big).([]any)
	if len(out) != maxArrayElements+1 {
		t.Fatalf("array length: got %d", len(out))
	}
	if out[maxArrayElements] != "[+50 more]" {
		t.Errorf("truncation marker: %v", out[maxArrayElements])
	}

	deep := any("leaf")
	for i := 0; i < 10; i++ {
		deep = map[string]any{"v": deep}
	}
	flat, _ := json.Marshal(Redact(deep))
	if !strings.Contains(string(flat), "[depth-limit]") {
		t.Errorf("depth not capped: %s", flat)
	}
}

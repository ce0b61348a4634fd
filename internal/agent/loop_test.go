package agent

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/internal/config"
)

func loopConfig() config.LoopConfig {
	return config.LoopConfig{WarningThreshold: 3, CriticalThreshold: 5, GlobalCircuitBreaker: 30}
}

func TestCanonicalizeSortsKeysRecursively(t *testing.T) {
	a := Canonicalize(json.RawMessage(`{"b":1,"a":{"z":true,"y":[1,2]}}`))
	b := Canonicalize(json.RawMessage(`{"a":{"y":[1,2],"z":true},"b":1}`))
	if a != b {
		t.Errorf("canonical forms differ: %q vs %q", a, b)
	}
	if a != `{"a":{"y":[1,2],"z":true},"b":1}` {
		t.Errorf("unexpected canonical form: %q", a)
	}
}

func TestCanonicalizeInvalidJSONFallsBackToRaw(t *testing.T) {
	if got := Canonicalize(json.RawMessage(" not json ")); got != "not json" {
		t.Errorf("got %q", got)
	}
	if got := Canonicalize(nil); got != "{}" {
		t.Errorf("empty args: %q", got)
	}
}

func TestDetectRepetitionEscalates(t *testing.T) {
	d := NewLoopDetector(loopConfig())
	args := json.RawMessage(`{"path":"/tmp/x"}`)

	d.RecordCall("read_file", args)
	d.RecordCall("read_file", args)
	if det := d.DetectLoop(); det != nil {
		t.Fatalf("two calls flagged: %+v", det)
	}

	d.RecordCall("read_file", args)
	det := d.DetectLoop()
	if det == nil || det.Kind != LoopRepetition || det.Severity != SeverityWarning {
		t.Fatalf("third call: %+v", det)
	}

	d.RecordCall("read_file", args)
	d.RecordCall("read_file", args)
	det = d.DetectLoop()
	if det == nil || det.Severity != SeverityCritical || det.Count != 5 {
		t.Fatalf("fifth call: %+v", det)
	}
}

func TestDetectDifferentArgsAreDifferentCalls(t *testing.T) {
	d := NewLoopDetector(loopConfig())
	for i := 0; i < 4; i++ {
		d.RecordCall("search", json.RawMessage(`{"q":"`+string(rune('a'+i))+`"}`))
	}
	if det := d.DetectLoop(); det != nil && det.Kind == LoopRepetition {
		t.Errorf("distinct args flagged as repetition: %+v", det)
	}
}

func TestDetectPingPong(t *testing.T) {
	d := NewLoopDetector(loopConfig())
	// Alternate names but vary args so repetition never fires first.
	d.RecordCall("read", json.RawMessage(`{"n":1}`))
	d.RecordCall("write", json.RawMessage(`{"n":2}`))
	d.RecordCall("read", json.RawMessage(`{"n":3}`))
	d.RecordCall("write", json.RawMessage(`{"n":4}`))

	det := d.DetectLoop()
	if det == nil || det.Kind != LoopPingPong || det.Severity != SeverityWarning {
		t.Fatalf("ping-pong: %+v", det)
	}
}

func TestDetectCircuitBreaker(t *testing.T) {
	cfg := loopConfig()
	cfg.GlobalCircuitBreaker = 6
	d := NewLoopDetector(cfg)
	for i := 0; i < 6; i++ {
		d.RecordCall("tool"+string(rune('a'+i%3)), json.RawMessage(`{"i":`+string(rune('0'+i))+`}`))
	}
	det := d.DetectLoop()
	if det == nil || det.Kind != LoopCircuitBreaker || det.Severity != SeverityCritical {
		t.Fatalf("circuit breaker: %+v", det)
	}
}

func TestDetectIsDeterministic(t *testing.T) {
	run := func() *Detection {
		d := NewLoopDetector(loopConfig())
		d.RecordCall("a", json.RawMessage(`{"x":1,"y":2}`))
		d.RecordCall("a", json.RawMessage(`{"y":2,"x":1}`))
		d.RecordCall("a", json.RawMessage(`{"x":1,"y":2}`))
		return d.DetectLoop()
	}
	first, second := run(), run()
	if first == nil || second == nil || *first != *second {
		t.Errorf("non-deterministic: %+v vs %+v", first, second)
	}
	if first.Count != 3 {
		t.Errorf("key order changed identity: %+v", first)
	}
}

// Package agent contains the executor driving the LLM tool loop, plus its
// guards: loop detection, history truncation, and the tool registry.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/config"
)

// Severity grades a loop detection.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// LoopKind names the detected pattern.
type LoopKind string

const (
	LoopRepetition     LoopKind = "repetition"
	LoopPingPong       LoopKind = "ping_pong"
	LoopCircuitBreaker LoopKind = "circuit_breaker"
)

// Detection describes one detected loop.
type Detection struct {
	Kind     LoopKind
	Severity Severity
	Tool     string
	Count    int
}

func (d *Detection) String() string {
	return fmt.Sprintf("%s (%s): tool %q seen %d times", d.Kind, d.Severity, d.Tool, d.Count)
}

type callRecord struct {
	name string
	key  string
}

// LoopDetector watches the tool-call stream of one agent turn for
// repetition, ping-pong, and runaway call volume. Not safe for concurrent
// use; each turn owns its own detector.
type LoopDetector struct {
	warning        int
	critical       int
	circuitBreaker int

	calls  []callRecord
	counts map[string]int
}

// NewLoopDetector creates a detector from cfg, falling back to the standard
// thresholds for unset fields.
func NewLoopDetector(cfg config.LoopConfig) *LoopDetector {
	d := &LoopDetector{
		warning:        cfg.WarningThreshold,
		critical:       cfg.CriticalThreshold,
		circuitBreaker: cfg.GlobalCircuitBreaker,
		counts:         map[string]int{},
	}
	if d.warning <= 0 {
		d.warning = 3
	}
	if d.critical <= 0 {
		d.critical = 5
	}
	if d.circuitBreaker <= 0 {
		d.circuitBreaker = 30
	}
	return d
}

// RecordCall notes one tool invocation.
func (d *LoopDetector) RecordCall(name string, args json.RawMessage) {
	key := name + "\x00" + Canonicalize(args)
	d.calls = append(d.calls, callRecord{name: name, key: key})
	d.counts[key]++
}

// Calls returns the number of recorded calls this turn.
func (d *LoopDetector) Calls() int {
	return len(d.calls)
}

// DetectLoop returns the first matching pattern, or nil. Deterministic for
// a given call sequence.
func (d *LoopDetector) DetectLoop() *Detection {
	// Repetition of one exact (name, args) pair.
	if len(d.calls) > 0 {
		last := d.calls[len(d.calls)-1]
		count := d.counts[last.key]
		if count >= d.critical {
			return &Detection{Kind: LoopRepetition, Severity: SeverityCritical, Tool: last.name, Count: count}
		}
		if count >= d.warning {
			return &Detection{Kind: LoopRepetition, Severity: SeverityWarning, Tool: last.name, Count: count}
		}
	}

	// ABAB alternation over the last four tool names.
	if n := len(d.calls); n >= 4 {
		a, b := d.calls[n-4].name, d.calls[n-3].name
		if a != b && d.calls[n-2].name == a && d.calls[n-1].name == b {
			return &Detection{Kind: LoopPingPong, Severity: SeverityWarning, Tool: a + "/" + b, Count: 4}
		}
	}

	if len(d.calls) >= d.circuitBreaker {
		return &Detection{Kind: LoopCircuitBreaker, Severity: SeverityCritical, Count: len(d.calls)}
	}
	return nil
}

// Canonicalize produces a byte-stable encoding of tool arguments: object
// keys are sorted recursively, so equal payloads always compare equal.
func Canonicalize(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return strings.TrimSpace(string(args))
	}
	// encoding/json writes map keys in sorted order at every depth.
	data, err := json.Marshal(v)
	if err != nil {
		return strings.TrimSpace(string(args))
	}
	return string(data)
}

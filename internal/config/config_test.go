package config

import (
	"errors"
	"strings"
	"testing"
)

const minimalYAML = `
providers:
  local:
    base_url: http://localhost:11434/v1
    models: ["*"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("max_iterations default: got %d", cfg.Agent.MaxIterations)
	}
	if cfg.Loop.GlobalCircuitBreaker != 30 {
		t.Errorf("global_circuit_breaker default: got %d", cfg.Loop.GlobalCircuitBreaker)
	}
	if cfg.Session.MaxSessions != 1000 {
		t.Errorf("max_sessions default: got %d", cfg.Session.MaxSessions)
	}
	if got := cfg.Providers["local"].Kind; got != "openai" {
		t.Errorf("provider kind default: got %q", got)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no providers", `agent: {max_iterations: 5}`, "providers"},
		{"bad kind", "providers:\n  p:\n    kind: grpc\n    models: [m]", "kind"},
		{"no models", "providers:\n  p:\n    base_url: http://x", "models"},
		{
			"two defaults",
			"providers:\n  a:\n    models: [m]\n    default: true\n  b:\n    models: [m]\n    default: true",
			"default",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "sk-test")
	cfg, err := Parse([]byte(`
providers:
  api:
    api_key: ${RELAY_TEST_KEY}
    models: [gpt-4o]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Providers["api"].APIKey; got != "sk-test" {
		t.Errorf("api key: got %q", got)
	}
}

func TestDefaultProviderName(t *testing.T) {
	cfg, err := Parse([]byte(`
providers:
  slow:
    models: [a]
    priority: 5
  fast:
    models: [b]
    priority: 1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.DefaultProviderName(); got != "fast" {
		t.Errorf("default provider: got %q, want fast", got)
	}
}

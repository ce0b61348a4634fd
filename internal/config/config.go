// Package config loads and validates the Relay runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// Config is the top-level configuration structure.
type Config struct {
	Agent     AgentConfig               `yaml:"agent"`
	Routing   RoutingConfig             `yaml:"routing"`
	Memory    MemoryConfig              `yaml:"memory"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Session   SessionConfig             `yaml:"session"`
	Loop      LoopConfig                `yaml:"loop"`
	Channels  ChannelsConfig            `yaml:"channels"`
	Logging   LoggingConfig             `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	Trace     TraceConfig               `yaml:"trace"`
	Bus       BusConfig                 `yaml:"bus"`
}

// AgentConfig controls the executor loop and generation defaults.
type AgentConfig struct {
	MaxIterations    int     `yaml:"max_iterations"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float32 `yaml:"temperature"`
	TopP             float32 `yaml:"top_p"`
	TopK             int     `yaml:"top_k"`
	FrequencyPenalty float32 `yaml:"frequency_penalty"`
	SystemPrompt     string  `yaml:"system_prompt"`

	// MaxToolResultLength bounds each tool observation kept in history.
	MaxToolResultLength int `yaml:"max_tool_result_length"`
	// PreserveRecentCount is how many non-system messages truncation keeps.
	PreserveRecentCount int `yaml:"preserve_recent_count"`
	// TruncateStrategy is "sliding" or "priority".
	TruncateStrategy string `yaml:"truncate_strategy"`
}

// RoutingRule maps keyword matches to a target model level.
type RoutingRule struct {
	Keywords  []string          `yaml:"keywords"`
	MinLength int               `yaml:"min_length"`
	MaxLength int               `yaml:"max_length"`
	Level     models.ModelLevel `yaml:"level"`
	Priority  int               `yaml:"priority"`
}

// RoutingConfig controls per-turn model selection.
type RoutingConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Rules          []RoutingRule `yaml:"rules"`
	BaseScore      int           `yaml:"base_score"`
	LengthWeight   int           `yaml:"length_weight"`
	CodeBlockScore int           `yaml:"code_block_score"`
	ToolCallScore  int           `yaml:"tool_call_score"`
	MultiTurnScore int           `yaml:"multi_turn_score"`
	Max            bool          `yaml:"max"`
	ToolKeywords   []string      `yaml:"tool_keywords"`
	// IntentModel, when set, is asked to classify the task type instead of
	// heuristic scoring. Intent calls bypass routing.
	IntentModel string            `yaml:"intent_model"`
	TaskModels  map[string]string `yaml:"task_models"`
}

// EmbeddingsConfig configures the embedding provider for vector memory.
type EmbeddingsConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// MemoryConfig controls the retrieval memory subsystem.
type MemoryConfig struct {
	Enabled                bool             `yaml:"enabled"`
	StoragePath            string           `yaml:"storage_path"`
	SearchLimit            int              `yaml:"search_limit"`
	MaxSearchLimit         int              `yaml:"max_search_limit"`
	ShortTermRetentionDays int              `yaml:"short_term_retention_days"`
	AutoSummarize          bool             `yaml:"auto_summarize"`
	SummarizeThreshold     int              `yaml:"summarize_threshold"`
	IdleTimeout            time.Duration    `yaml:"idle_timeout"`
	Embeddings             EmbeddingsConfig `yaml:"embeddings"`
}

// ProviderConfig describes one LLM backend.
type ProviderConfig struct {
	// Kind selects the wire dialect: "openai" (default, also covers local
	// OpenAI-compatible backends) or "anthropic".
	Kind        string                   `yaml:"kind"`
	BaseURL     string                   `yaml:"base_url"`
	APIKey      string                   `yaml:"api_key"`
	Models      []string                 `yaml:"models"`
	Priority    int                      `yaml:"priority"`
	Default     bool                     `yaml:"default"`
	Descriptors []models.ModelDescriptor `yaml:"descriptors"`
}

// SessionConfig controls conversation session lifecycle.
type SessionConfig struct {
	StoragePath        string        `yaml:"storage_path"`
	SessionTimeout     time.Duration `yaml:"session_timeout"`
	MaxHistoryMessages int           `yaml:"max_history_messages"`
	MaxSessions        int           `yaml:"max_sessions"`
}

// LoopConfig controls the tool-call loop detector.
type LoopConfig struct {
	WarningThreshold     int `yaml:"warning_threshold"`
	CriticalThreshold    int `yaml:"critical_threshold"`
	GlobalCircuitBreaker int `yaml:"global_circuit_breaker"`
}

// ChannelsConfig carries per-channel settings keyed by channel name.
type ChannelsConfig struct {
	// AllowedSenders lists sender ids permitted per channel; an empty list
	// admits everyone on that channel.
	AllowedSenders map[string][]string `yaml:"allowed_senders"`
	MaxReconnect   int                 `yaml:"max_reconnect"`
	MaxMediaCount  int                 `yaml:"max_media_count"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TraceConfig controls the call tracer.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// BusConfig bounds the in-process queues.
type BusConfig struct {
	Capacity int `yaml:"capacity"`
}

// ConfigError reports invalid configuration; fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads, env-expands, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config bytes after ${ENV} expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = 4096
	}
	if c.Agent.MaxToolResultLength <= 0 {
		c.Agent.MaxToolResultLength = 8192
	}
	if c.Agent.PreserveRecentCount <= 0 {
		c.Agent.PreserveRecentCount = 40
	}
	if c.Agent.TruncateStrategy == "" {
		c.Agent.TruncateStrategy = "sliding"
	}
	if c.Routing.BaseScore == 0 {
		c.Routing.BaseScore = 10
	}
	if c.Routing.LengthWeight == 0 {
		c.Routing.LengthWeight = 2
	}
	if c.Routing.CodeBlockScore == 0 {
		c.Routing.CodeBlockScore = 15
	}
	if c.Routing.ToolCallScore == 0 {
		c.Routing.ToolCallScore = 20
	}
	if c.Routing.MultiTurnScore == 0 {
		c.Routing.MultiTurnScore = 1
	}
	if c.Memory.SearchLimit <= 0 {
		c.Memory.SearchLimit = 5
	}
	if c.Memory.MaxSearchLimit <= 0 {
		c.Memory.MaxSearchLimit = 20
	}
	if c.Memory.ShortTermRetentionDays <= 0 {
		c.Memory.ShortTermRetentionDays = 30
	}
	if c.Memory.SummarizeThreshold <= 0 {
		c.Memory.SummarizeThreshold = 20
	}
	if c.Memory.IdleTimeout <= 0 {
		c.Memory.IdleTimeout = 30 * time.Minute
	}
	if c.Session.SessionTimeout <= 0 {
		c.Session.SessionTimeout = 6 * time.Hour
	}
	if c.Session.MaxHistoryMessages <= 0 {
		c.Session.MaxHistoryMessages = 200
	}
	if c.Session.MaxSessions <= 0 {
		c.Session.MaxSessions = 1000
	}
	if c.Loop.WarningThreshold <= 0 {
		c.Loop.WarningThreshold = 3
	}
	if c.Loop.CriticalThreshold <= 0 {
		c.Loop.CriticalThreshold = 5
	}
	if c.Loop.GlobalCircuitBreaker <= 0 {
		c.Loop.GlobalCircuitBreaker = c.Agent.MaxIterations + 10
	}
	if c.Channels.MaxReconnect <= 0 {
		c.Channels.MaxReconnect = 3
	}
	if c.Channels.MaxMediaCount <= 0 {
		c.Channels.MaxMediaCount = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Bus.Capacity <= 0 {
		c.Bus.Capacity = 256
	}
	for name, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = "openai"
		}
		for i := range p.Descriptors {
			if p.Descriptors[i].Provider == "" {
				p.Descriptors[i].Provider = name
			}
		}
		c.Providers[name] = p
	}
}

// Validate checks the configuration for fatal mistakes.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return &ConfigError{Field: "providers", Reason: "at least one provider is required"}
	}
	defaults := 0
	for name, p := range c.Providers {
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return &ConfigError{Field: "providers." + name + ".kind", Reason: "must be openai or anthropic"}
		}
		if len(p.Models) == 0 {
			return &ConfigError{Field: "providers." + name + ".models", Reason: "at least one model (or \"*\") is required"}
		}
		if p.Default {
			defaults++
		}
		for _, d := range p.Descriptors {
			if d.ID == "" {
				return &ConfigError{Field: "providers." + name + ".descriptors", Reason: "descriptor id is required"}
			}
		}
	}
	if defaults > 1 {
		return &ConfigError{Field: "providers", Reason: "only one provider may be default"}
	}
	switch c.Agent.TruncateStrategy {
	case "sliding", "priority":
	default:
		return &ConfigError{Field: "agent.truncate_strategy", Reason: "must be sliding or priority"}
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return &ConfigError{Field: "logging.format", Reason: "must be json or text"}
	}
	for _, r := range c.Routing.Rules {
		if len(r.Keywords) == 0 {
			return &ConfigError{Field: "routing.rules", Reason: "rule without keywords"}
		}
	}
	return nil
}

// DefaultProviderName returns the provider marked default, or the highest
// priority (lowest value) one.
func (c *Config) DefaultProviderName() string {
	best := ""
	bestPriority := 0
	for name, p := range c.Providers {
		if p.Default {
			return name
		}
		if best == "" || p.Priority < bestPriority || (p.Priority == bestPriority && name < best) {
			best = name
			bestPriority = p.Priority
		}
	}
	return best
}

package models

// ModelLevel ranks models by capability and cost.
type ModelLevel string

const (
	LevelFast   ModelLevel = "fast"
	LevelLow    ModelLevel = "low"
	LevelMedium ModelLevel = "medium"
	LevelHigh   ModelLevel = "high"
	LevelUltra  ModelLevel = "ultra"
)

// Rank returns the ordinal position of the level, with fast lowest.
func (l ModelLevel) Rank() int {
	switch l {
	case LevelFast:
		return 0
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelUltra:
		return 4
	default:
		return 2
	}
}

// Capabilities describes what a model can do.
type Capabilities struct {
	Vision    bool `json:"vision" yaml:"vision"`
	Reasoning bool `json:"reasoning" yaml:"reasoning"`
	Tools     bool `json:"tools" yaml:"tools"`
}

// GenerationConfig carries sampling parameters for a completion request.
// Zero values mean "provider default".
type GenerationConfig struct {
	MaxTokens        int     `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature      float32 `json:"temperature,omitempty" yaml:"temperature"`
	TopP             float32 `json:"top_p,omitempty" yaml:"top_p"`
	TopK             int     `json:"top_k,omitempty" yaml:"top_k"`
	FrequencyPenalty float32 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty"`
}

// Merge overlays non-zero fields of other onto a copy of c.
func (c GenerationConfig) Merge(other GenerationConfig) GenerationConfig {
	out := c
	if other.MaxTokens > 0 {
		out.MaxTokens = other.MaxTokens
	}
	if other.Temperature > 0 {
		out.Temperature = other.Temperature
	}
	if other.TopP > 0 {
		out.TopP = other.TopP
	}
	if other.TopK > 0 {
		out.TopK = other.TopK
	}
	if other.FrequencyPenalty != 0 {
		out.FrequencyPenalty = other.FrequencyPenalty
	}
	return out
}

// ModelDescriptor describes a model registered with the gateway.
type ModelDescriptor struct {
	ID           string           `json:"id" yaml:"id"`
	Provider     string           `json:"provider" yaml:"provider"`
	Level        ModelLevel       `json:"level" yaml:"level"`
	Capabilities Capabilities     `json:"capabilities" yaml:"capabilities"`
	Defaults     GenerationConfig `json:"defaults" yaml:"defaults"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

package models

import "time"

// MemoryType categorizes a stored memory entry.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemorySummary      MemoryType = "summary"
	MemoryEntity       MemoryType = "entity"
)

// MemoryEntry is a durable record used for retrieval-augmented context.
// Vector is empty when the store has no embedding capability; when present
// its dimension must match the store schema for the entry's lifetime.
type MemoryEntry struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	Type      MemoryType     `json:"type"`
	Content   string         `json:"content"`
	Vector    []float32      `json:"-"`
	Metadata  MemoryMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MemoryMetadata carries auxiliary attributes of a memory entry.
type MemoryMetadata struct {
	Tags       []string   `json:"tags,omitempty"`
	Channel    string     `json:"channel,omitempty"`
	Importance float64    `json:"importance,omitempty"` // 0..1
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// SearchMode selects the retrieval strategy.
type SearchMode string

const (
	SearchVector   SearchMode = "vector"
	SearchFulltext SearchMode = "fulltext"
	SearchHybrid   SearchMode = "hybrid"
)

// MemoryFilter narrows search candidates before scoring.
type MemoryFilter struct {
	SessionID string
	Types     []MemoryType
	Tags      []string
	After     time.Time
	Before    time.Time
}

// SearchOptions configures a memory search.
type SearchOptions struct {
	Limit  int
	Mode   SearchMode
	Filter *MemoryFilter
}

// MemoryResult is a scored search hit.
type MemoryResult struct {
	Entry *MemoryEntry `json:"entry"`
	Score float64      `json:"score"`
}

// MemoryStats summarizes store contents.
type MemoryStats struct {
	Total     int64            `json:"total"`
	ByType    map[string]int64 `json:"by_type"`
	Dimension int              `json:"dimension"`
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	Deleted    int `json:"deleted"`
	Summarized int `json:"summarized"`
	Errors     int `json:"errors"`
}

// TodoItem is one open or completed task extracted by the summarizer.
type TodoItem struct {
	Done    bool   `json:"done"`
	Content string `json:"content"`
}

// TimeRange bounds the messages a summary covers.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Summary is a compressed representation of a conversation, stored as a
// MemoryEntry of type summary with its JSON serialization as content.
type Summary struct {
	ID                   string     `json:"id"`
	Topic                string     `json:"topic"`
	KeyPoints            []string   `json:"key_points"`
	Decisions            []string   `json:"decisions"`
	Todos                []TodoItem `json:"todos"`
	Entities             []string   `json:"entities"`
	TimeRange            TimeRange  `json:"time_range"`
	OriginalMessageCount int        `json:"original_message_count"`
}

// Package summarizer compresses long conversations into structured
// summaries stored as long-term memory.
package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const systemPrompt = `You are a conversation summarizer. Summarize the conversation below as JSON with exactly these fields:
{"topic": string, "keyPoints": [string], "decisions": [string], "todos": [{"done": bool, "content": string}], "entities": [string]}
Reply with the JSON only.`

// Client is the completion backend used for summarization.
type Client interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error)
}

// Storer receives finished summaries.
type Storer interface {
	Store(ctx context.Context, entry *models.MemoryEntry) error
}

// Options tunes the summarizer.
type Options struct {
	// MinMessages is the smallest conversation worth summarizing.
	MinMessages int

	// IdleTimeout is the inactivity gap that triggers the idle check.
	IdleTimeout time.Duration

	// CheckInterval is the idle poll period, at least once a minute.
	CheckInterval time.Duration

	// Model optionally pins the summarization model.
	Model string
}

func (o *Options) sanitize() {
	if o.MinMessages <= 0 {
		o.MinMessages = 5
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.CheckInterval <= 0 || o.CheckInterval > time.Minute {
		o.CheckInterval = time.Minute
	}
}

// Summarizer produces summaries on demand and after idle periods. Any one
// summarization failure is logged and swallowed; the idle check keeps going.
type Summarizer struct {
	client Client
	store  Storer
	logger *slog.Logger
	opts   Options

	mu       sync.Mutex
	activity map[string]time.Time
	watchers map[string]func() []models.ChatMessage
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a summarizer. store may be nil when idle summaries are not
// persisted.
func New(client Client, store Storer, logger *slog.Logger, opts Options) *Summarizer {
	opts.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		client:   client,
		store:    store,
		logger:   logger,
		opts:     opts,
		activity: map[string]time.Time{},
		watchers: map[string]func() []models.ChatMessage{},
	}
}

// ShouldSummarize reports whether the conversation is long enough.
func (s *Summarizer) ShouldSummarize(messages []models.ChatMessage) bool {
	return len(messages) >= s.opts.MinMessages
}

// Summarize asks the model for a structured summary of messages. Missing
// fields come back as empty defaults, never nil slices.
func (s *Summarizer) Summarize(ctx context.Context, messages []models.ChatMessage) (*models.Summary, error) {
	transcript := renderTranscript(messages)
	resp, err := s.client.Chat(ctx, &providers.ChatRequest{
		Model: s.opts.Model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: systemPrompt},
			{Role: models.RoleUser, Content: transcript},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}

	summary, err := parseSummary(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("summarizer: parse response: %w", err)
	}
	summary.ID = uuid.NewString()
	summary.OriginalMessageCount = len(messages)
	summary.TimeRange = models.TimeRange{End: time.Now().UTC()}
	return summary, nil
}

func renderTranscript(messages []models.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}

// rawSummary tolerates both todo shapes models produce: plain strings and
// {done, content} objects.
type rawSummary struct {
	Topic     string            `json:"topic"`
	KeyPoints []string          `json:"keyPoints"`
	Decisions []string          `json:"decisions"`
	Todos     []json.RawMessage `json:"todos"`
	Entities  []string          `json:"entities"`
}

// parseSummary extracts the first JSON block, fenced or bare, and decodes it.
func parseSummary(content string) (*models.Summary, error) {
	block := firstJSONBlock(content)
	if block == "" {
		return nil, fmt.Errorf("no JSON object in %q", truncate(content, 120))
	}
	var raw rawSummary
	if err := json.Unmarshal([]byte(block), &raw); err != nil {
		return nil, err
	}
	summary := &models.Summary{
		Topic:     raw.Topic,
		KeyPoints: emptyIfNil(raw.KeyPoints),
		Decisions: emptyIfNil(raw.Decisions),
		Entities:  emptyIfNil(raw.Entities),
		Todos:     []models.TodoItem{},
	}
	for _, t := range raw.Todos {
		var item models.TodoItem
		if err := json.Unmarshal(t, &item); err == nil && item.Content != "" {
			summary.Todos = append(summary.Todos, item)
			continue
		}
		var text string
		if err := json.Unmarshal(t, &text); err == nil && text != "" {
			summary.Todos = append(summary.Todos, models.TodoItem{Content: text})
		}
	}
	return summary, nil
}

// firstJSONBlock returns the first balanced JSON object, preferring a fenced
// block when present.
func firstJSONBlock(content string) string {
	if idx := strings.Index(content, "```"); idx >= 0 {
		rest := content[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			if block := balancedObject(rest[:end]); block != "" {
				return block
			}
		}
	}
	return balancedObject(content)
}

func balancedObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RecordActivity marks a session as active, delaying its idle summary.
func (s *Summarizer) RecordActivity(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[sessionID] = time.Now()
}

// StartIdleCheck watches a session: when it has been idle past the timeout
// and still has messages, a summary is produced and stored. The background
// loop starts on first use.
func (s *Summarizer) StartIdleCheck(sessionID string, getMessages func() []models.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers[sessionID] = getMessages
	if _, ok := s.activity[sessionID]; !ok {
		s.activity[sessionID] = time.Now()
	}
	if s.done == nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.loop(ctx)
	}
}

// Stop ends the idle check loop and waits for it to exit.
func (s *Summarizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Summarizer) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Summarizer) sweep(ctx context.Context) {
	s.mu.Lock()
	type candidate struct {
		sessionID string
		get       func() []models.ChatMessage
	}
	var idle []candidate
	now := time.Now()
	for id, get := range s.watchers {
		if now.Sub(s.activity[id]) >= s.opts.IdleTimeout {
			idle = append(idle, candidate{sessionID: id, get: get})
			s.activity[id] = now
		}
	}
	s.mu.Unlock()

	for _, c := range idle {
		messages := c.get()
		if len(messages) == 0 || !s.ShouldSummarize(messages) {
			continue
		}
		summary, err := s.Summarize(ctx, messages)
		if err != nil {
			s.logger.Warn("summarizer: idle summary failed", "session", c.sessionID, "error", err)
			continue
		}
		if err := s.storeSummary(ctx, c.sessionID, summary); err != nil {
			s.logger.Warn("summarizer: store failed", "session", c.sessionID, "error", err)
		}
	}
}

func (s *Summarizer) storeSummary(ctx context.Context, sessionID string, summary *models.Summary) error {
	if s.store == nil {
		return nil
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return s.store.Store(ctx, &models.MemoryEntry{
		SessionID: sessionID,
		Type:      models.MemorySummary,
		Content:   string(data),
	})
}

// StoreSummary persists an on-demand summary for a session.
func (s *Summarizer) StoreSummary(ctx context.Context, sessionID string, summary *models.Summary) error {
	return s.storeSummary(ctx, sessionID, summary)
}

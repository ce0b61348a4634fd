package summarizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

type scriptedClient struct {
	mu      sync.Mutex
	content string
	err     error
	calls   int
}

func (c *scriptedClient) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &providers.ChatResponse{Content: c.content}, nil
}

type recordingStore struct {
	mu      sync.Mutex
	entries []*models.MemoryEntry
}

func (s *recordingStore) Store(ctx context.Context, entry *models.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func conversation(n int) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msgs = append(msgs, models.ChatMessage{Role: role, Content: "line"})
	}
	return msgs
}

func TestShouldSummarize(t *testing.T) {
	s := New(&scriptedClient{}, nil, slog.Default(), Options{MinMessages: 5})
	if s.ShouldSummarize(conversation(4)) {
		t.Error("4 messages should not summarize")
	}
	if !s.ShouldSummarize(conversation(5)) {
		t.Error("5 messages should summarize")
	}
}

func TestSummarizeParsesFencedJSON(t *testing.T) {
	client := &scriptedClient{content: "Here you go:\n```json\n" +
		`{"topic":"themes","keyPoints":["dark theme preferred"],"decisions":["use dark"],"todos":[{"done":false,"content":"apply theme"}],"entities":["theme"]}` +
		"\n```\nanything else?"}
	s := New(client, nil, slog.Default(), Options{})

	summary, err := s.Summarize(context.Background(), conversation(6))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Topic != "themes" || len(summary.KeyPoints) != 1 || len(summary.Todos) != 1 {
		t.Errorf("summary: %+v", summary)
	}
	if summary.Todos[0].Content != "apply theme" || summary.Todos[0].Done {
		t.Errorf("todo: %+v", summary.Todos[0])
	}
	if summary.OriginalMessageCount != 6 {
		t.Errorf("message count: %d", summary.OriginalMessageCount)
	}
}

func TestSummarizeParsesBareJSONAndStringTodos(t *testing.T) {
	client := &scriptedClient{content: `{"topic":"t","todos":["first","second"]}`}
	s := New(client, nil, slog.Default(), Options{})

	summary, err := s.Summarize(context.Background(), conversation(6))
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.Todos) != 2 || summary.Todos[0].Content != "first" {
		t.Errorf("todos: %+v", summary.Todos)
	}
	// Missing fields become empty slices, not nil.
	if summary.KeyPoints == nil || summary.Decisions == nil || summary.Entities == nil {
		t.Errorf("nil defaults: %+v", summary)
	}
}

func TestSummarizeRejectsNonJSON(t *testing.T) {
	client := &scriptedClient{content: "I cannot summarize that."}
	s := New(client, nil, slog.Default(), Options{})
	if _, err := s.Summarize(context.Background(), conversation(6)); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIdleCheckSummarizesAndSurvivesFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("backend down")}
	store := &recordingStore{}
	s := New(client, store, slog.Default(), Options{
		MinMessages:   2,
		IdleTimeout:   10 * time.Millisecond,
		CheckInterval: 10 * time.Millisecond,
	})
	defer s.Stop()

	msgs := conversation(4)
	s.StartIdleCheck("cli:default", func() []models.ChatMessage { return msgs })

	// First sweep fails; the loop must keep running.
	time.Sleep(50 * time.Millisecond)
	client.mu.Lock()
	failedCalls := client.calls
	client.err = nil
	client.content = `{"topic":"recovered"}`
	client.mu.Unlock()
	if failedCalls == 0 {
		t.Fatal("idle check never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.count() == 0 {
		t.Fatal("summary not stored after recovery")
	}
	store.mu.Lock()
	entry := store.entries[0]
	store.mu.Unlock()
	if entry.Type != models.MemorySummary || entry.SessionID != "cli:default" {
		t.Errorf("stored entry: %+v", entry)
	}
}

func TestRecordActivityDelaysIdleSummary(t *testing.T) {
	client := &scriptedClient{content: `{"topic":"t"}`}
	s := New(client, &recordingStore{}, slog.Default(), Options{
		MinMessages:   2,
		IdleTimeout:   time.Hour,
		CheckInterval: 5 * time.Millisecond,
	})
	defer s.Stop()

	s.StartIdleCheck("cli:default", func() []models.ChatMessage { return conversation(4) })
	s.RecordActivity("cli:default")
	time.Sleep(30 * time.Millisecond)

	client.mu.Lock()
	calls := client.calls
	client.mu.Unlock()
	if calls != 0 {
		t.Errorf("summarized an active session %d times", calls)
	}
}

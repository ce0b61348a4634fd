package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func userMsg(text string) models.ChatMessage {
	return models.ChatMessage{Role: models.RoleUser, Content: text}
}

func TestMemoryStoreAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})

	if _, err := store.GetOrCreate(ctx, "telegram:42", false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := store.AppendMessage(ctx, "telegram:42", userMsg(fmt.Sprintf("msg %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.GetHistory(ctx, "telegram:42", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(history))
	}
	if history[0].Content != "msg 2" || history[2].Content != "msg 4" {
		t.Errorf("wrong window: %v", history)
	}
}

func TestMemoryStoreRotatesIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{
		Timeout: time.Hour,
		Now:     func() time.Time { return now },
	})

	if _, err := store.GetOrCreate(ctx, "cli:default", false); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendMessage(ctx, "cli:default", userMsg("before idle")); err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Hour)
	sess, err := store.GetOrCreate(ctx, "cli:default", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 0 {
		t.Fatalf("idle session not rotated: %d messages", len(sess.Messages))
	}
}

func TestMemoryStoreForceNew(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})

	_ = store.AppendMessage(ctx, "cli:default", userMsg("old"))
	sess, err := store.GetOrCreate(ctx, "cli:default", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 0 {
		t.Fatal("forceNew kept old messages")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{
		MaxSessions: 3,
		Now:         func() time.Time { return now },
	})

	for i := 0; i < 3; i++ {
		now = now.Add(time.Minute)
		if _, err := store.GetOrCreate(ctx, fmt.Sprintf("cli:%d", i), false); err != nil {
			t.Fatal(err)
		}
	}
	now = now.Add(time.Minute)
	if _, err := store.GetOrCreate(ctx, "cli:new", false); err != nil {
		t.Fatal(err)
	}

	if store.Len() != 3 {
		t.Fatalf("expected 3 sessions, got %d", store.Len())
	}
	sessions, _ := store.List(ctx)
	for _, sess := range sessions {
		if sess.Key == "cli:0" {
			t.Fatal("oldest session not evicted")
		}
	}
}

func TestTrimHistoryKeepsSystemAndToolLinkage(t *testing.T) {
	msgs := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "you are helpful"},
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file"}}},
		{Role: models.RoleTool, ToolCallID: "c1", Content: "contents"},
		{Role: models.RoleAssistant, Content: "done"},
		{Role: models.RoleUser, Content: "second"},
	}
	out := trimHistory(msgs, 4)
	if len(out) > 4 {
		t.Fatalf("not trimmed: %d", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Error("system message dropped")
	}
	for _, m := range out {
		if m.Role == models.RoleTool {
			found := false
			for _, prev := range out {
				for _, tc := range prev.ToolCalls {
					if tc.ID == m.ToolCallID {
						found = true
					}
				}
			}
			if !found {
				t.Errorf("orphaned tool result %q", m.ToolCallID)
			}
		}
	}
}

func TestListOrdersByRecency(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryStore(Options{Now: func() time.Time { return now }})

	_ = store.AppendMessage(ctx, "cli:a", userMsg("1"))
	now = now.Add(time.Minute)
	_ = store.AppendMessage(ctx, "cli:b", userMsg("2"))

	sessions, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].Key != "cli:b" {
		t.Fatalf("wrong order: %v", sessions)
	}
}

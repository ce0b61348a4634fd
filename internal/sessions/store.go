// Package sessions manages per-conversation message history. Sessions are
// keyed by channel:chatId, bounded in length, and rotated after an idle
// timeout.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// ErrNotFound is returned when a session key is unknown.
var ErrNotFound = errors.New("sessions: not found")

// Store is the interface for session persistence.
type Store interface {
	// GetOrCreate returns the session for key, creating it if absent.
	// forceNew, or an idle gap beyond the session timeout, rotates the
	// session: the old one is persisted and a fresh one returned.
	GetOrCreate(ctx context.Context, key string, forceNew bool) (*models.Session, error)

	// AppendMessage appends msg to the session and bumps updated-at.
	AppendMessage(ctx context.Context, key string, msg models.ChatMessage) error

	// GetHistory returns up to max most recent messages, preserving
	// tool-call linkage. max <= 0 means all.
	GetHistory(ctx context.Context, key string, max int) ([]models.ChatMessage, error)

	// List enumerates sessions ordered by updated-at descending.
	List(ctx context.Context) ([]*models.Session, error)

	// Delete removes a session.
	Delete(ctx context.Context, key string) error

	// SetLastConsolidated records how many messages have been folded into
	// long-term memory, so summarization can resume from there.
	SetLastConsolidated(ctx context.Context, key string, index int) error
}

// Options tunes session lifecycle for a store.
type Options struct {
	// Timeout is the idle gap after which GetOrCreate rotates the session.
	Timeout time.Duration

	// MaxHistory bounds messages kept per session; older messages are
	// dropped first, keeping system messages.
	MaxHistory int

	// MaxSessions bounds live sessions; the least recently updated is
	// evicted.
	MaxSessions int

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (o *Options) sanitize() {
	if o.Timeout <= 0 {
		o.Timeout = 6 * time.Hour
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 200
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 1000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// trimHistory drops the oldest non-system messages until the session holds
// at most max messages. It keeps a leading tool message from being orphaned
// by also dropping tool messages whose call ids no longer resolve.
func trimHistory(msgs []models.ChatMessage, max int) []models.ChatMessage {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	var system []models.ChatMessage
	var rest []models.ChatMessage
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	keep := max - len(system)
	if keep < 0 {
		keep = 0
	}
	if len(rest) > keep {
		rest = rest[len(rest)-keep:]
	}
	// Drop tool messages whose assistant tool call was trimmed away.
	known := map[string]bool{}
	out := make([]models.ChatMessage, 0, len(system)+len(rest))
	out = append(out, system...)
	for _, m := range rest {
		if m.Role == models.RoleTool {
			if !known[m.ToolCallID] {
				continue
			}
		}
		for _, tc := range m.ToolCalls {
			known[tc.ID] = true
		}
		out = append(out, m)
	}
	return out
}

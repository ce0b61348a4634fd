package sessions

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// MemoryStore keeps sessions in memory. It is the default store and the
// backing cache for the file store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	opts     Options

	// onRotate is invoked with the retired session before a rotation
	// replaces it. The file store uses it to archive the old file.
	onRotate func(old *models.Session)
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts.sanitize()
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		opts:     opts,
	}
}

func splitKey(key string) (channel, chatID string) {
	channel, chatID, ok := strings.Cut(key, ":")
	if !ok {
		return key, models.DefaultChatID
	}
	return channel, chatID
}

func (s *MemoryStore) newSession(key string) *models.Session {
	channel, chatID := splitKey(key)
	now := s.opts.Now()
	return &models.Session{
		Key:       key,
		Channel:   channel,
		ChatID:    chatID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GetOrCreate implements Store.
func (s *MemoryStore) GetOrCreate(ctx context.Context, key string, forceNew bool) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if ok {
		idle := s.opts.Now().Sub(sess.UpdatedAt)
		if forceNew || idle > s.opts.Timeout {
			if s.onRotate != nil {
				s.onRotate(cloneSession(sess))
			}
			sess = s.newSession(key)
			s.sessions[key] = sess
		}
		return cloneSession(sess), nil
	}

	s.evictLocked()
	sess = s.newSession(key)
	s.sessions[key] = sess
	return cloneSession(sess), nil
}

// evictLocked drops the least recently updated session when the store is at
// capacity. Callers hold the write lock.
func (s *MemoryStore) evictLocked() {
	if len(s.sessions) < s.opts.MaxSessions {
		return
	}
	var oldest *models.Session
	for _, sess := range s.sessions {
		if oldest == nil || sess.UpdatedAt.Before(oldest.UpdatedAt) {
			oldest = sess
		}
	}
	if oldest != nil {
		delete(s.sessions, oldest.Key)
	}
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(ctx context.Context, key string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		s.evictLocked()
		sess = s.newSession(key)
		s.sessions[key] = sess
	}
	sess.Messages = append(sess.Messages, msg)
	sess.Messages = trimHistory(sess.Messages, s.opts.MaxHistory)
	sess.UpdatedAt = s.opts.Now()
	return nil
}

// GetHistory implements Store.
func (s *MemoryStore) GetHistory(ctx context.Context, key string, max int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	msgs := sess.Messages
	if max > 0 && len(msgs) > max {
		msgs = msgs[len(msgs)-max:]
		// Never start the window on an orphaned tool result.
		for len(msgs) > 0 && msgs[0].Role == models.RoleTool {
			msgs = msgs[1:]
		}
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, key)
	return nil
}

// SetLastConsolidated implements Store.
func (s *MemoryStore) SetLastConsolidated(ctx context.Context, key string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.LastConsolidated = index
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func cloneSession(sess *models.Session) *models.Session {
	out := *sess
	out.Messages = make([]models.ChatMessage, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}

package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// metaLineWidth is the fixed byte width of the metadata line, padding
// included. Keeping it fixed lets appends update metadata in place without
// rewriting message lines.
const metaLineWidth = 512

// metaRecord is the first line of a session file.
type metaRecord struct {
	Type             string    `json:"_type"`
	Key              string    `json:"key"`
	Channel          string    `json:"channel"`
	ChatID           string    `json:"chat_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	LastConsolidated int       `json:"last_consolidated,omitempty"`
}

// FileStore persists sessions as one JSONL file each under dir. The first
// line is a metadata record; every following line is one message. Appends
// only add lines, so a crash can lose at most the trailing write.
type FileStore struct {
	mu    sync.Mutex
	dir   string
	cache *MemoryStore
	opts  Options
}

// NewFileStore creates a file-backed session store rooted at dir.
func NewFileStore(dir string, opts Options) (*FileStore, error) {
	opts.sanitize()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions: create dir: %w", err)
	}
	fs := &FileStore{
		dir:   dir,
		cache: NewMemoryStore(opts),
		opts:  opts,
	}
	fs.cache.onRotate = fs.archive
	return fs, nil
}

// sanitizeKey maps a session key onto a safe file name.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-':
			return r
		default:
			return '_'
		}
	}, key)
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".jsonl")
}

// archive renames a rotated session's file out of the way.
func (s *FileStore) archive(old *models.Session) {
	src := s.path(old.Key)
	dst := fmt.Sprintf("%s.%s.jsonl", strings.TrimSuffix(src, ".jsonl"), s.opts.Now().UTC().Format("20060102T150405"))
	_ = os.Rename(src, dst)
}

// GetOrCreate implements Store. Sessions absent from the cache are loaded
// from disk before a new one is created.
func (s *FileStore) GetOrCreate(ctx context.Context, key string, forceNew bool) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cached(key) {
		if sess, err := s.load(key); err == nil && sess != nil {
			s.cache.mu.Lock()
			s.cache.sessions[key] = sess
			s.cache.mu.Unlock()
		}
	}
	sess, err := s.cache.GetOrCreate(ctx, key, forceNew)
	if err != nil {
		return nil, err
	}
	if len(sess.Messages) == 0 {
		if err := s.writeAll(sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (s *FileStore) cached(key string) bool {
	s.cache.mu.RLock()
	defer s.cache.mu.RUnlock()
	_, ok := s.cache.sessions[key]
	return ok
}

// AppendMessage implements Store. The message line is appended and the
// metadata line rewritten in place.
func (s *FileStore) AppendMessage(ctx context.Context, key string, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.cache.AppendMessage(ctx, key, msg); err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sessions: encode message: %w", err)
	}
	// O_APPEND would forbid the in-place metadata update, so seek to the
	// end instead. The store mutex serializes writers.
	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("sessions: open %s: %w", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sessions: stat %s: %w", key, err)
	}
	if info.Size() == 0 {
		sess, _ := s.cache.GetOrCreate(ctx, key, false)
		meta, err := s.metaLine(sess)
		if err != nil {
			return err
		}
		if _, err := f.Write(meta); err != nil {
			return fmt.Errorf("sessions: write metadata: %w", err)
		}
	} else if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("sessions: seek %s: %w", key, err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("sessions: append message: %w", err)
	}
	return s.touchMeta(f, key)
}

// touchMeta rewrites the metadata line at offset zero.
func (s *FileStore) touchMeta(f *os.File, key string) error {
	sess, err := s.cache.GetOrCreate(context.Background(), key, false)
	if err != nil {
		return err
	}
	meta, err := s.metaLine(sess)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(meta, 0); err != nil {
		return fmt.Errorf("sessions: update metadata: %w", err)
	}
	return nil
}

// metaLine encodes session metadata padded to metaLineWidth bytes.
func (s *FileStore) metaLine(sess *models.Session) ([]byte, error) {
	rec := metaRecord{
		Type:             "metadata",
		Key:              sess.Key,
		Channel:          sess.Channel,
		ChatID:           sess.ChatID,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		LastConsolidated: sess.LastConsolidated,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("sessions: encode metadata: %w", err)
	}
	if len(data) >= metaLineWidth {
		return nil, fmt.Errorf("sessions: metadata too large (%d bytes)", len(data))
	}
	line := make([]byte, metaLineWidth)
	for i := range line {
		line[i] = ' '
	}
	copy(line, data)
	line[metaLineWidth-1] = '\n'
	return line, nil
}

// load reads a session file from disk. A missing file returns (nil, nil).
func (s *FileStore) load(key string) (*models.Session, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessions: open %s: %w", key, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return nil, nil
	}
	var meta metaRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(scanner.Text())), &meta); err != nil {
		return nil, fmt.Errorf("sessions: decode metadata for %s: %w", key, err)
	}
	sess := &models.Session{
		Key:              meta.Key,
		Channel:          meta.Channel,
		ChatID:           meta.ChatID,
		CreatedAt:        meta.CreatedAt,
		UpdatedAt:        meta.UpdatedAt,
		LastConsolidated: meta.LastConsolidated,
	}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			// Skip a torn trailing line rather than losing the session.
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessions: read %s: %w", key, err)
	}
	sess.Messages = trimHistory(sess.Messages, s.opts.MaxHistory)
	return sess, nil
}

// writeAll rewrites a session file from scratch. Used for new sessions and
// the rare metadata overflow path.
func (s *FileStore) writeAll(sess *models.Session) error {
	meta, err := s.metaLine(sess)
	if err != nil {
		return err
	}
	tmp := s.path(sess.Key) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("sessions: create %s: %w", sess.Key, err)
	}
	if _, err := f.Write(meta); err != nil {
		f.Close()
		return fmt.Errorf("sessions: write metadata: %w", err)
	}
	for _, msg := range sess.Messages {
		line, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			return fmt.Errorf("sessions: encode message: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("sessions: write message: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sessions: close %s: %w", sess.Key, err)
	}
	if err := os.Rename(tmp, s.path(sess.Key)); err != nil {
		return fmt.Errorf("sessions: replace %s: %w", sess.Key, err)
	}
	return nil
}

// GetHistory implements Store.
func (s *FileStore) GetHistory(ctx context.Context, key string, max int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	if !s.cached(key) {
		if sess, err := s.load(key); err == nil && sess != nil {
			s.cache.mu.Lock()
			s.cache.sessions[key] = sess
			s.cache.mu.Unlock()
		}
	}
	s.mu.Unlock()
	return s.cache.GetHistory(ctx, key, max)
}

// List implements Store. Only sessions touched since startup are listed;
// archived files are not scanned.
func (s *FileStore) List(ctx context.Context) ([]*models.Session, error) {
	return s.cache.List(ctx)
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sessions: remove %s: %w", key, err)
	}
	err := s.cache.Delete(ctx, key)
	if err == ErrNotFound {
		return nil
	}
	return err
}

// SetLastConsolidated implements Store.
func (s *FileStore) SetLastConsolidated(ctx context.Context, key string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cache.SetLastConsolidated(ctx, key, index); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(key), os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessions: open %s: %w", key, err)
	}
	defer f.Close()
	return s.touchMeta(f, key)
}

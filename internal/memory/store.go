// Package memory persists long-term assistant memory in SQLite and serves
// vector, fulltext, and hybrid retrieval over it.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/internal/memory/embeddings"
	"github.com/haasonsaas/relay/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	content    TEXT NOT NULL,
	vector     BLOB,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session_id);
CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
CREATE TABLE IF NOT EXISTS memory_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Options tunes the memory store.
type Options struct {
	// Path is the SQLite database file. ":memory:" works for tests.
	Path string

	// SearchLimit is the default result count; MaxSearchLimit the hard cap.
	SearchLimit    int
	MaxSearchLimit int

	// RetentionDays bounds conversation entry age for cleanupExpired.
	// Zero disables age-based cleanup.
	RetentionDays int

	// AuditDir, when set, receives an append-only Markdown log per session.
	AuditDir string
}

func (o *Options) sanitize() {
	if o.SearchLimit <= 0 {
		o.SearchLimit = 5
	}
	if o.MaxSearchLimit <= 0 {
		o.MaxSearchLimit = 20
	}
}

// Store is the SQLite-backed memory store. Concurrent Store and Search
// calls are safe; database/sql serializes access to the single writer.
type Store struct {
	db       *sql.DB
	embedder embeddings.Provider
	logger   *slog.Logger
	opts     Options
	audit    *auditLog
}

// NewStore opens the database at opts.Path. Call Initialize before use.
func NewStore(opts Options, embedder embeddings.Provider, logger *slog.Logger) (*Store, error) {
	opts.sanitize()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", opts.Path, err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   logger,
		opts:     opts,
	}
	if opts.AuditDir != "" {
		s.audit = newAuditLog(opts.AuditDir, logger)
	}
	return s, nil
}

// Initialize creates the schema and pins the embedding dimension. Reopening
// with a different dimension is an error; migrating vectors is out of scope.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("memory: create schema: %w", err)
	}
	if s.embedder == nil || !s.embedder.Available() {
		return nil
	}
	dim := fmt.Sprintf("%d", s.embedder.Dimension())
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM memory_meta WHERE key = 'dimension'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx, `INSERT INTO memory_meta (key, value) VALUES ('dimension', ?)`, dim)
		if err != nil {
			return fmt.Errorf("memory: record dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("memory: read dimension: %w", err)
	case stored != dim:
		return fmt.Errorf("memory: embedding dimension changed from %s to %s; migration required", stored, dim)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store persists an entry. Missing id and timestamps are filled in. An
// embedding failure is logged and the entry kept with an empty vector.
func (s *Store) Store(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if len(entry.Vector) == 0 && s.embedder != nil && s.embedder.Available() {
		vec, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			s.logger.Warn("memory: embedding failed, storing without vector",
				"id", entry.ID, "error", err)
		} else {
			entry.Vector = vec
		}
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("memory: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, session_id, type, content, vector, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			vector = excluded.vector,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		entry.ID, entry.SessionID, string(entry.Type), entry.Content,
		encodeVector(entry.Vector), string(meta), entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("memory: insert: %w", err)
	}

	if s.audit != nil {
		s.audit.Append(entry)
	}
	return nil
}

// Search retrieves entries matching query. The empty query returns nothing.
// Vector mode degrades silently to fulltext when embeddings are unavailable
// or the query embedding fails.
func (s *Store) Search(ctx context.Context, query string, opts models.SearchOptions) ([]models.MemoryResult, error) {
	if query == "" {
		return nil, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.opts.SearchLimit
	}
	if limit > s.opts.MaxSearchLimit {
		limit = s.opts.MaxSearchLimit
	}

	mode := opts.Mode
	if mode == "" {
		if s.embeddingsAvailable() {
			mode = models.SearchVector
		} else {
			mode = models.SearchFulltext
		}
	}
	if mode == models.SearchVector && !s.embeddingsAvailable() {
		mode = models.SearchFulltext
	}

	candidates, err := s.loadCandidates(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}

	switch mode {
	case models.SearchVector:
		results, err := s.vectorSearch(ctx, query, candidates, limit)
		if err != nil {
			s.logger.Warn("memory: vector search failed, falling back to fulltext", "error", err)
			return s.fulltextSearch(query, candidates, limit), nil
		}
		return results, nil
	case models.SearchHybrid:
		vec, err := s.vectorSearch(ctx, query, candidates, len(candidates))
		if err != nil {
			s.logger.Warn("memory: vector leg failed, hybrid reduced to fulltext", "error", err)
			return s.fulltextSearch(query, candidates, limit), nil
		}
		full := s.fulltextSearch(query, candidates, len(candidates))
		return mergeReciprocalRank(vec, full, limit), nil
	default:
		return s.fulltextSearch(query, candidates, limit), nil
	}
}

func (s *Store) embeddingsAvailable() bool {
	return s.embedder != nil && s.embedder.Available()
}

// loadCandidates narrows rows by filter before scoring.
func (s *Store) loadCandidates(ctx context.Context, filter *models.MemoryFilter) ([]*models.MemoryEntry, error) {
	if filter == nil {
		filter = &models.MemoryFilter{}
	}
	q := `SELECT id, session_id, type, content, vector, metadata, created_at, updated_at FROM memories WHERE 1=1`
	var args []any
	if filter.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if len(filter.Types) > 0 {
		q += ` AND type IN (?` + strings.Repeat(",?", len(filter.Types)-1) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if !filter.After.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, filter.After.UTC())
	}
	if !filter.Before.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, filter.Before.UTC())
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: query: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if len(filter.Tags) > 0 && !hasAnyTag(entry.Metadata.Tags, filter.Tags) {
			continue
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) vectorSearch(ctx context.Context, query string, candidates []*models.MemoryEntry, limit int) ([]models.MemoryResult, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	var results []models.MemoryResult
	for _, entry := range candidates {
		if len(entry.Vector) == 0 {
			continue
		}
		score := cosineSimilarity(qvec, entry.Vector)
		results = append(results, models.MemoryResult{Entry: entry, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *Store) fulltextSearch(query string, candidates []*models.MemoryEntry, limit int) []models.MemoryResult {
	keywords := extractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	var results []models.MemoryResult
	for _, entry := range candidates {
		score := scoreContent(entry.Content, keywords)
		if score <= 0 {
			continue
		}
		results = append(results, models.MemoryResult{Entry: entry, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// mergeReciprocalRank combines two ranked lists with weights 0.6 for the
// vector leg and 0.4 for the fulltext leg.
func mergeReciprocalRank(vec, full []models.MemoryResult, limit int) []models.MemoryResult {
	scores := map[string]float64{}
	byID := map[string]*models.MemoryEntry{}
	for rank, r := range vec {
		scores[r.Entry.ID] += 0.6 / float64(rank+1)
		byID[r.Entry.ID] = r.Entry
	}
	for rank, r := range full {
		scores[r.Entry.ID] += 0.4 / float64(rank+1)
		byID[r.Entry.ID] = r.Entry
	}
	out := make([]models.MemoryResult, 0, len(scores))
	for id, score := range scores {
		out = append(out, models.MemoryResult{Entry: byID[id], Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Entry.CreatedAt.After(out[j].Entry.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetRecent returns the newest entries for a session.
func (s *Store) GetRecent(ctx context.Context, sessionID string, limit int) ([]*models.MemoryEntry, error) {
	if limit <= 0 {
		limit = s.opts.SearchLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, vector, metadata, created_at, updated_at
		FROM memories WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: query recent: %w", err)
	}
	defer rows.Close()

	var out []*models.MemoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetByID returns one entry, or (nil, nil) when absent.
func (s *Store) GetByID(ctx context.Context, id string) (*models.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, content, vector, metadata, created_at, updated_at
		FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("memory: query by id: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanEntry(rows)
}

// Delete removes one entry.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("memory: delete: %w", err)
	}
	return nil
}

// ClearSession removes every entry of one session.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("memory: clear session: %w", err)
	}
	return nil
}

// Stats summarizes the store contents.
func (s *Store) Stats(ctx context.Context) (*models.MemoryStats, error) {
	stats := &models.MemoryStats{ByType: map[string]int64{}}
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM memories GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("memory: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("memory: stats scan: %w", err)
		}
		stats.ByType[t] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if s.embeddingsAvailable() {
		stats.Dimension = s.embedder.Dimension()
	}
	return stats, nil
}

// CleanupExpired deletes conversation entries older than RetentionDays and
// any entry whose expiry has passed.
func (s *Store) CleanupExpired(ctx context.Context) (*models.CleanupResult, error) {
	result := &models.CleanupResult{}
	now := time.Now().UTC()

	if s.opts.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.opts.RetentionDays)
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM memories WHERE type = ? AND created_at < ?`,
			string(models.MemoryConversation), cutoff)
		if err != nil {
			result.Errors++
			s.logger.Warn("memory: retention cleanup failed", "error", err)
		} else if n, err := res.RowsAffected(); err == nil {
			result.Deleted += int(n)
		}
	}

	// Expiry lives inside the metadata JSON, so check it row by row.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, metadata FROM memories WHERE metadata LIKE '%expires_at%'`)
	if err != nil {
		return result, fmt.Errorf("memory: expiry scan: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id, meta string
		if err := rows.Scan(&id, &meta); err != nil {
			result.Errors++
			continue
		}
		var m models.MemoryMetadata
		if err := json.Unmarshal([]byte(meta), &m); err != nil {
			result.Errors++
			continue
		}
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	rows.Close()
	for _, id := range expired {
		if err := s.Delete(ctx, id); err != nil {
			result.Errors++
			continue
		}
		result.Deleted++
	}
	return result, nil
}

// Vacuum reclaims database space. Intended for scheduled maintenance.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("memory: vacuum: %w", err)
	}
	return nil
}

func scanEntry(rows *sql.Rows) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	var typ, meta string
	var vec []byte
	if err := rows.Scan(&entry.ID, &entry.SessionID, &typ, &entry.Content,
		&vec, &meta, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return nil, fmt.Errorf("memory: scan: %w", err)
	}
	entry.Type = models.MemoryType(typ)
	entry.Vector = decodeVector(vec)
	if err := json.Unmarshal([]byte(meta), &entry.Metadata); err != nil {
		return nil, fmt.Errorf("memory: decode metadata: %w", err)
	}
	return &entry, nil
}

// encodeVector packs float32 values little-endian; empty vectors become NULL.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	out := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func hasAnyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}


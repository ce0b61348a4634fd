package memory

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// auditLog mirrors stored memories into an append-only Markdown file per
// session, for human inspection. Writes are best effort.
type auditLog struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

func newAuditLog(dir string, logger *slog.Logger) *auditLog {
	return &auditLog{dir: dir, logger: logger}
}

func (a *auditLog) Append(entry *models.MemoryEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		a.logger.Warn("memory: audit dir unavailable", "error", err)
		return
	}
	name := entry.SessionID
	if name == "" {
		name = "global"
	}
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, name)

	f, err := os.OpenFile(filepath.Join(a.dir, name+".md"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		a.logger.Warn("memory: audit open failed", "error", err)
		return
	}
	defer f.Close()

	block := fmt.Sprintf("## %s [%s] %s\n\n%s\n\n",
		entry.CreatedAt.UTC().Format("2006-01-02 15:04:05"), entry.Type, entry.ID, entry.Content)
	if _, err := f.WriteString(block); err != nil {
		a.logger.Warn("memory: audit write failed", "error", err)
	}
}

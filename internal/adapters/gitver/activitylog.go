package gitver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ActivityLog appends one timestamped line per completed mutating job to a
// single append-only file shared by all projects, and commits each append to a
// dedicated repository. The file must live in its own directory: the commit
// stages that directory in full.
type ActivityLog struct {
	logger *slog.Logger
	store  *Store
	mu     sync.Mutex
	path   string
}

func NewActivityLog(logger *slog.Logger, store *Store, path string) *ActivityLog {
	return &ActivityLog{logger: logger, store: store, path: path}
}

func (l *ActivityLog) Append(ctx context.Context, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create activity log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}

	// The line is already durable; a failed commit only loses history
	// granularity, the next successful commit picks it up.
	if _, err := l.store.Commit(ctx, dir, commitSubject(line), false); err != nil {
		l.logger.Warn("activity log commit failed", "error", err)
	}
	return nil
}

func commitSubject(line string) string {
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return "log " + line
}

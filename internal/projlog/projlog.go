// Package projlog appends human-readable per-project event logs under
// logs/project-<id>.log. Lines identical to the immediately preceding one
// are dropped to keep noisy children from flooding the file.
package projlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/tilehub/internal/storage"
)

// Logger writes per-project log files.
type Logger struct {
	dir string

	mu   sync.Mutex
	last map[string]string

	Now func() time.Time
}

// New creates a project logger writing under dir.
func New(dir string) *Logger {
	return &Logger{dir: dir, last: make(map[string]string), Now: time.Now}
}

// Path returns the log file path for a project.
func (l *Logger) Path(project string) string {
	return filepath.Join(l.dir, fmt.Sprintf("project-%s.log", storage.SanitizeProjectID(project)))
}

// Append writes one log line for the project. Blank messages and repeats of
// the previous line are dropped. Failures are swallowed; event logging must
// never take a request down.
func (l *Logger) Append(project, level, message string) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	project = storage.SanitizeProjectID(project)
	line := fmt.Sprintf("[%s][%s] %s\n", l.Now().UTC().Format(time.RFC3339), strings.ToUpper(level), message)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last[project] == message {
		return
	}
	l.last[project] = message

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(l.Path(project), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// Info logs at level info.
func (l *Logger) Info(project, message string) { l.Append(project, "info", message) }

// Error logs at level error.
func (l *Logger) Error(project, message string) { l.Append(project, "error", message) }

// Remove deletes the log file for a project (project deletion cascade).
func (l *Logger) Remove(project string) {
	l.mu.Lock()
	delete(l.last, storage.SanitizeProjectID(project))
	l.mu.Unlock()
	_ = os.Remove(l.Path(project))
}

// Package oplog provides the user-visible operational log of a
// narration session: an append-only sequence of timestamped, leveled
// messages, exportable as plain text and clearable on demand.
//
// This log is domain data carried in session snapshots; process
// diagnostics belong to the service logger instead.
package oplog

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

const exportTimeFormat = "2006-01-02 15:04:05"

// Log is a concurrency-safe append-only operational log.
type Log struct {
	mu      sync.Mutex
	entries []core.LogEntry
	now     func() time.Time
}

// New creates an empty operational log.
func New() *Log {
	return &Log{
		mu:      sync.Mutex{},
		entries: nil,
		now:     time.Now,
	}
}

// Append adds one formatted entry at the given level.
func (l *Log) Append(level core.LogLevel, format string, args ...any) {
	entry := core.LogEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
}

// Info appends an informational entry.
func (l *Log) Info(format string, args ...any) {
	l.Append(core.LogInfo, format, args...)
}

// Success appends a success entry.
func (l *Log) Success(format string, args ...any) {
	l.Append(core.LogSuccess, format, args...)
}

// Warning appends a warning entry.
func (l *Log) Warning(format string, args ...any) {
	l.Append(core.LogWarning, format, args...)
}

// Error appends an error entry.
func (l *Log) Error(format string, args ...any) {
	l.Append(core.LogError, format, args...)
}

// Entries returns a copy of all entries in append order.
func (l *Log) Entries() []core.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]core.LogEntry, len(l.entries))
	copy(entries, l.entries)

	return entries
}

// Replace overwrites the log with entries restored from a snapshot.
func (l *Log) Replace(entries []core.LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = make([]core.LogEntry, len(entries))
	copy(l.entries, entries)
}

// Clear removes all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
}

// Export renders the log as plain text, one line per entry.
func (l *Log) Export() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var builder strings.Builder

	for _, entry := range l.entries {
		fmt.Fprintf(
			&builder,
			"%s [%s] %s\n",
			entry.Timestamp.Format(exportTimeFormat),
			strings.ToUpper(string(entry.Level)),
			entry.Message,
		)
	}

	return builder.String()
}

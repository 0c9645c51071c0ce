package memory

import (
	"context"
	"sync"
)

// ErrorLogEntry is one captured LogError/LogStatus call.
type ErrorLogEntry struct {
	Source  string
	Handler string
	Level   string
	Message string
	Meta    map[string]any
}

// ErrorLog is an in-memory ports.ErrorLogWriter that records every call for
// test assertions instead of writing to indexer_error_logs.
type ErrorLog struct {
	mu      sync.Mutex
	entries []ErrorLogEntry
}

// NewErrorLog constructs an empty ErrorLog.
func NewErrorLog() *ErrorLog {
	return &ErrorLog{}
}

func (l *ErrorLog) LogError(ctx context.Context, source, handler string, err error, meta map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.entries = append(l.entries, ErrorLogEntry{Source: source, Handler: handler, Level: "error", Message: msg, Meta: meta})
}

func (l *ErrorLog) LogStatus(ctx context.Context, source, handler, message string, meta map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, ErrorLogEntry{Source: source, Handler: handler, Level: "info", Message: message, Meta: meta})
}

// Entries returns every captured log entry, in call order.
func (l *ErrorLog) Entries() []ErrorLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ErrorLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

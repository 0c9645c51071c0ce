package postgres

import (
	"context"
	"encoding/json"

	"github.com/openmercato/queryindex/internal/logger"
)

// ErrorLogStore implements ports.ErrorLogWriter against indexer_error_logs,
// the observational table event handlers and the reindexer write non-fatal
// diagnostics to. Failures to persist a log entry are themselves logged
// through the package logger rather than propagated, since this is a
// best-effort side channel.
type ErrorLogStore struct {
	*BaseStore
	log *logger.Logger
}

// NewErrorLogStore constructs an ErrorLogStore.
func NewErrorLogStore(base *BaseStore) *ErrorLogStore {
	return &ErrorLogStore{BaseStore: base, log: logger.NewDefault("storage.errorlog")}
}

// LogError appends an error-level diagnostic row.
func (s *ErrorLogStore) LogError(ctx context.Context, source, handler string, err error, meta map[string]any) {
	s.insert(ctx, source, handler, "error", err.Error(), meta)
}

// LogStatus appends an informational diagnostic row (e.g. job lifecycle
// transitions, purge start/completion).
func (s *ErrorLogStore) LogStatus(ctx context.Context, source, handler, message string, meta map[string]any) {
	s.insert(ctx, source, handler, "info", message, meta)
}

func (s *ErrorLogStore) insert(ctx context.Context, source, handler, level, message string, meta map[string]any) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	const q = `INSERT INTO indexer_error_logs (source, handler, level, message, meta, created_at) VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := s.Querier(ctx).ExecContext(ctx, q, source, handler, level, message, metaJSON); err != nil {
		s.log.WithError(err).WithField("handler", handler).Warn("failed to persist indexer error log entry")
	}
}

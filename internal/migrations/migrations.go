// Package migrations embeds and applies the query-index subsystem's schema:
// entity_indexes, entity_index_jobs, entity_index_coverage, search_tokens,
// indexer_error_logs, custom_field_definitions/values, and
// record_translations (spec.md §3).
package migrations

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed *.sql
var files embed.FS

// Apply executes all embedded SQL migration files in lexical order. It is
// idempotent because each migration uses IF NOT EXISTS guards.
func Apply(ctx context.Context, db *sqlx.DB) error {
	entries, err := files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
)

// SQLExecutor implements ports.SQLExecutor: it runs planner-assembled SQL
// against the base-table/entity_indexes join and scans into generic maps,
// since the column set is request-dependent (spec.md §4.I).
type SQLExecutor struct {
	*BaseStore
}

// NewSQLExecutor constructs a SQLExecutor.
func NewSQLExecutor(base *BaseStore) *SQLExecutor { return &SQLExecutor{BaseStore: base} }

// Query runs sqlText and returns every row as a column-keyed map.
func (s *SQLExecutor) Query(ctx context.Context, sqlText string, args []any) ([]map[string]any, error) {
	rows, err := s.Querier(ctx).QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("planner query: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan planner row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// QueryCount runs a COUNT(...) query and returns its single scalar result.
func (s *SQLExecutor) QueryCount(ctx context.Context, sqlText string, args []any) (int64, error) {
	var count int64
	if err := s.Querier(ctx).GetContext(ctx, &count, sqlText, args...); err != nil {
		return 0, fmt.Errorf("planner count: %w", err)
	}
	return count, nil
}

// TableExists reports whether table exists in the current search_path,
// cached by the planner's own columnCache.
func (s *SQLExecutor) TableExists(ctx context.Context, table string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`
	var exists bool
	if err := s.Querier(ctx).GetContext(ctx, &exists, q, table); err != nil {
		return false, fmt.Errorf("check table existence: %w", err)
	}
	return exists, nil
}

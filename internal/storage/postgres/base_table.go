package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// BaseTableReader implements ports.BaseTableReader and ports.ParentRowFetcher
// against arbitrary application base tables, resolved through an
// EntityRegistryLike.
type BaseTableReader struct {
	*BaseStore
	registry eventbus.EntityRegistryLike
	parentOf map[model.EntityType]ParentJoin

	mu          sync.RWMutex
	columnCache map[string]bool
}

// ParentJoin names the parent table and join column for a composite entity
// (spec.md §4.A point 2).
type ParentJoin struct {
	Table          string
	ParentIDColumn string // column on the child row pointing at the parent
}

// NewBaseTableReader constructs a BaseTableReader.
func NewBaseTableReader(base *BaseStore, registry eventbus.EntityRegistryLike, parentOf map[model.EntityType]ParentJoin) *BaseTableReader {
	return &BaseTableReader{BaseStore: base, registry: registry, parentOf: parentOf, columnCache: make(map[string]bool)}
}

func (r *BaseTableReader) table(entityType model.EntityType) (string, error) {
	table, ok := r.registry.ResolveEntityTableName(entityType.String())
	if !ok {
		return "", fmt.Errorf("queryindex: unknown entity type %q", entityType)
	}
	return table, nil
}

// GetRow fetches the base row for recordID.
func (r *BaseTableReader) GetRow(ctx context.Context, entityType model.EntityType, recordID string) (ports.BaseRow, bool, error) {
	table, err := r.table(entityType)
	if err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf("SELECT * FROM %s WHERE id = $1", table)
	return r.queryOneRow(ctx, q, recordID)
}

// GetParentRow resolves a composite entity's parent row.
func (r *BaseTableReader) GetParentRow(ctx context.Context, entityType model.EntityType, recordID string) (ports.BaseRow, bool, error) {
	join, ok := r.parentOf[entityType]
	if !ok {
		return nil, false, nil
	}
	childTable, err := r.table(entityType)
	if err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf("SELECT parent.* FROM %s parent JOIN %s child ON parent.id = child.%s WHERE child.id = $1", join.Table, childTable, join.ParentIDColumn)
	return r.queryOneRow(ctx, q, recordID)
}

func (r *BaseTableReader) queryOneRow(ctx context.Context, q string, args ...any) (ports.BaseRow, bool, error) {
	rows, err := r.Querier(ctx).QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query base row: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, false, rows.Err()
	}
	row := make(map[string]any)
	if err := rows.MapScan(row); err != nil {
		return nil, false, fmt.Errorf("scan base row: %w", err)
	}
	return ports.BaseRow(row), true, nil
}

// HasColumn reports whether the base table for entityType has column,
// cached for the process lifetime.
func (r *BaseTableReader) HasColumn(ctx context.Context, entityType model.EntityType, column string) (bool, error) {
	table, err := r.table(entityType)
	if err != nil {
		return false, err
	}
	key := table + "." + column
	r.mu.RLock()
	if v, ok := r.columnCache[key]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	const q = `SELECT EXISTS (
		SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2
	)`
	var exists bool
	if err := r.Querier(ctx).GetContext(ctx, &exists, q, table, column); err != nil {
		return false, fmt.Errorf("check column existence: %w", err)
	}
	r.mu.Lock()
	r.columnCache[key] = exists
	r.mu.Unlock()
	return exists, nil
}

// CountRows returns base row counts for q, grouped by tenant/organization
// when either is "any" (nil in q).
func (r *BaseTableReader) CountRows(ctx context.Context, entityType model.EntityType, q ports.BucketQuery) ([]ports.BucketCount, error) {
	table, err := r.table(entityType)
	if err != nil {
		return nil, err
	}
	hasOrgCol, _ := r.HasColumn(ctx, entityType, "organization_id")
	hasTenantCol, _ := r.HasColumn(ctx, entityType, "tenant_id")

	var where []string
	var args []any
	groupBy := []string{}
	selectCols := []string{}

	if q.TenantID != nil && hasTenantCol {
		args = append(args, *q.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
		selectCols = append(selectCols, "tenant_id")
	} else if hasTenantCol {
		selectCols = append(selectCols, "tenant_id")
		groupBy = append(groupBy, "tenant_id")
	} else {
		selectCols = append(selectCols, "'' AS tenant_id")
	}

	if q.OrganizationID != nil && hasOrgCol {
		args = append(args, *q.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
		selectCols = append(selectCols, "organization_id")
	} else if hasOrgCol {
		selectCols = append(selectCols, "organization_id")
		groupBy = append(groupBy, "organization_id")
	} else {
		selectCols = append(selectCols, "NULL AS organization_id")
	}

	sqlText := fmt.Sprintf("SELECT %s, COUNT(*) AS count FROM %s", strings.Join(selectCols, ", "), table)
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	if hasTenantCol {
		groupBy = append([]string{"tenant_id"}, groupBy...)
	}
	if len(groupBy) > 0 {
		sqlText += " GROUP BY " + strings.Join(dedupe(groupBy), ", ")
	}

	rows, err := r.Querier(ctx).QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("count base rows: %w", err)
	}
	defer rows.Close()

	var out []ports.BucketCount
	for rows.Next() {
		var bc struct {
			TenantID       string `db:"tenant_id"`
			OrganizationID *string `db:"organization_id"`
			Count          int64  `db:"count"`
		}
		if err := rows.StructScan(&bc); err != nil {
			return nil, fmt.Errorf("scan bucket count: %w", err)
		}
		out = append(out, ports.BucketCount{TenantID: bc.TenantID, OrganizationID: bc.OrganizationID, Count: bc.Count})
	}
	return out, rows.Err()
}

// ScanChunk returns up to batchSize rows with id > afterID, restricted to
// q's scope and, when partitioned, to the partition predicate.
func (r *BaseTableReader) ScanChunk(ctx context.Context, entityType model.EntityType, q ports.ScanQuery) ([]ports.BaseRow, error) {
	table, err := r.table(entityType)
	if err != nil {
		return nil, err
	}
	hasOrgCol, _ := r.HasColumn(ctx, entityType, "organization_id")
	hasTenantCol, _ := r.HasColumn(ctx, entityType, "tenant_id")

	var where []string
	var args []any

	if hasTenantCol {
		args = append(args, q.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.OrganizationID != nil && hasOrgCol {
		args = append(args, *q.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if q.AfterID != "" {
		args = append(args, q.AfterID)
		where = append(where, fmt.Sprintf("id::text > $%d", len(args)))
	}
	if q.Partition != nil {
		args = append(args, q.Partition.PartitionCount, q.Partition.PartitionIndex)
		where = append(where, fmt.Sprintf("mod(abs(hashtext(id::text)), $%d) = $%d", len(args)-1, len(args)))
	}

	sqlText := fmt.Sprintf("SELECT * FROM %s", table)
	if len(where) > 0 {
		sqlText += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, q.BatchSize)
	sqlText += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	rows, err := r.Querier(ctx).QueryxContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	defer rows.Close()

	var out []ports.BaseRow
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		out = append(out, ports.BaseRow(row))
	}
	return out, rows.Err()
}

func dedupe(items []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range items {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	return out
}

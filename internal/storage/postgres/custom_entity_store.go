package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// CustomEntityStore implements ports.CustomEntityStore: the fast path for
// entities whose attributes live entirely in entity_indexes.doc, with no
// backing base table (spec.md §4.I "Fast path"). Filters/sorts address doc
// fields directly rather than the cf:-prefixed form used for composite
// entities' custom fields.
type CustomEntityStore struct {
	*BaseStore
}

// NewCustomEntityStore constructs a CustomEntityStore.
func NewCustomEntityStore(base *BaseStore) *CustomEntityStore { return &CustomEntityStore{BaseStore: base} }

// Query runs q against entity_indexes for entityType.
func (s *CustomEntityStore) Query(ctx context.Context, entityType model.EntityType, q ports.CustomEntityQuery) ([]map[string]any, int64, error) {
	b := &sqlArgBinder{}
	var where []string

	where = append(where, fmt.Sprintf("entity_type = %s", b.bind(entityType.String())))
	where = append(where, fmt.Sprintf("tenant_id = %s", b.bind(q.TenantID)))
	if q.OrganizationID != nil {
		where = append(where, fmt.Sprintf("organization_id_coalesced = %s", b.bind(*q.OrganizationID)))
	}
	if !q.WithDeleted {
		where = append(where, "deleted_at IS NULL")
	}

	for _, f := range q.Filters {
		clause, err := docFilterClause(b, f)
		if err != nil {
			return nil, 0, err
		}
		where = append(where, clause)
	}

	selectList := []string{"record_id", "tenant_id", "organization_id", "doc"}
	if len(q.Fields) > 0 {
		selectList = selectList[:0]
		for _, f := range q.Fields {
			selectList = append(selectList, fmt.Sprintf("doc->>'%s' AS %s", sanitizeAlias(f), sanitizeAlias(f)))
		}
	}

	var sortList []string
	for _, sf := range q.Sort {
		dir := "ASC"
		if sf.Direction == model.SortDesc {
			dir = "DESC"
		}
		sortList = append(sortList, fmt.Sprintf("doc->>'%s' %s", sanitizeAlias(sf.Field), dir))
	}

	page, pageSize := q.Page, q.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	limitPh := b.bind(pageSize)
	offsetPh := b.bind((page - 1) * pageSize)

	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	orderSQL := ""
	if len(sortList) > 0 {
		orderSQL = " ORDER BY " + strings.Join(sortList, ", ")
	}

	dataSQL := fmt.Sprintf("SELECT %s FROM entity_indexes%s%s LIMIT %s OFFSET %s",
		strings.Join(selectList, ", "), whereSQL, orderSQL, limitPh, offsetPh)

	rows, err := s.Querier(ctx).QueryxContext(ctx, dataSQL, b.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query custom entity: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan custom entity row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM entity_indexes%s", whereSQL)
	var total int64
	if err := s.Querier(ctx).GetContext(ctx, &total, countSQL, b.args[:len(b.args)-2]...); err != nil {
		return nil, 0, fmt.Errorf("count custom entity: %w", err)
	}

	return out, total, nil
}

type sqlArgBinder struct {
	args []any
}

func (b *sqlArgBinder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func docFilterClause(b *sqlArgBinder, f model.Filter) (string, error) {
	key := sanitizeAlias(f.Field)
	textExpr := fmt.Sprintf("doc->>'%s'", key)

	switch f.Op {
	case model.FilterEq:
		return fmt.Sprintf("%s = %s", textExpr, b.bind(f.Value)), nil
	case model.FilterNe:
		return fmt.Sprintf("%s <> %s", textExpr, b.bind(f.Value)), nil
	case model.FilterGt:
		return fmt.Sprintf("%s > %s", textExpr, b.bind(f.Value)), nil
	case model.FilterGte:
		return fmt.Sprintf("%s >= %s", textExpr, b.bind(f.Value)), nil
	case model.FilterLt:
		return fmt.Sprintf("%s < %s", textExpr, b.bind(f.Value)), nil
	case model.FilterLte:
		return fmt.Sprintf("%s <= %s", textExpr, b.bind(f.Value)), nil
	case model.FilterIn:
		return fmt.Sprintf("%s = ANY(%s)", textExpr, b.bind(f.Value)), nil
	case model.FilterNin:
		return fmt.Sprintf("%s <> ALL(%s)", textExpr, b.bind(f.Value)), nil
	case model.FilterLike:
		return fmt.Sprintf("%s LIKE %s", textExpr, b.bind(f.Value)), nil
	case model.FilterIlike:
		return fmt.Sprintf("%s ILIKE %s", textExpr, b.bind(f.Value)), nil
	case model.FilterExists:
		exists, _ := f.Value.(bool)
		if exists {
			return fmt.Sprintf("%s IS NOT NULL", textExpr), nil
		}
		return fmt.Sprintf("%s IS NULL", textExpr), nil
	default:
		return "", fmt.Errorf("queryindex: unsupported filter operator %q", f.Op)
	}
}

func sanitizeAlias(field string) string {
	replacer := strings.NewReplacer(":", "_", ".", "_", "-", "_", "'", "")
	return replacer.Replace(field)
}

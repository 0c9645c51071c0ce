package planner

import (
	"fmt"
	"strings"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// sqlBuilder accumulates positional ($1, $2, ...) arguments while composing
// the base-path SELECT/COUNT pair, grounded on the teacher's QueryBuilder
// idiom but emitting Postgres-dialect placeholders.
type sqlBuilder struct {
	args []any
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

// cfExpr builds the coalesce() text-extraction expression for a cf:<key>
// reference, spanning every aliased doc column when customFieldSources are
// present (spec.md §4.I filter semantics).
func cfExpr(key string, extraAliases []string, asJSON bool) string {
	op := "->>"
	if asJSON {
		op = "->"
	}
	parts := []string{fmt.Sprintf("ei.doc%s'cf:%s'", op, key), fmt.Sprintf("ei.doc%s'%s'", op, key)}
	for _, alias := range extraAliases {
		parts = append(parts, fmt.Sprintf("%s_ei.doc%s'cf:%s'", alias, op, key), fmt.Sprintf("%s_ei.doc%s'%s'", alias, op, key))
	}
	return "coalesce(" + strings.Join(parts, ", ") + ")"
}

func fieldExpr(field string, extraAliases []string, asJSON bool) string {
	if isCustomFieldRef(field) {
		return cfExpr(field[3:], extraAliases, asJSON)
	}
	return "b." + field
}

func sanitizeAlias(field string) string {
	replacer := strings.NewReplacer(":", "_", ".", "_", "-", "_")
	return replacer.Replace(field)
}

// buildFilterClause renders one Filter into a SQL predicate and binds its
// argument(s), per spec.md §4.I "Filter semantics".
func buildFilterClause(b *sqlBuilder, f model.Filter, extraAliases []string) (string, error) {
	isCF := isCustomFieldRef(f.Field)
	textExpr := fieldExpr(f.Field, extraAliases, false)

	switch f.Op {
	case model.FilterEq:
		if isCF {
			jsonExpr := fieldExpr(f.Field, extraAliases, true)
			placeholder := b.bind(fmt.Sprintf("[%v]", quoteJSON(f.Value)))
			return fmt.Sprintf("(%s = %s OR %s @> %s::jsonb)", textExpr, b.bind(f.Value), jsonExpr, placeholder), nil
		}
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

func quoteJSON(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// buildOrganizationClause renders q's organization scoping, per spec.md
// §4.I point 4: "organizationIds expands to WHERE col IN ids [OR col IS
// NULL]; an empty set with no include-null flag is a forced no results".
func buildOrganizationClause(b *sqlBuilder, q Query) (string, bool) {
	if len(q.OrganizationIDs) > 0 {
		var ids []string
		includeNull := false
		for _, id := range q.OrganizationIDs {
			if id == nil {
				includeNull = true
				continue
			}
			ids = append(ids, *id)
		}
		if len(ids) == 0 && !includeNull {
			return "", false // forced no-results
		}
		var clauses []string
		if len(ids) > 0 {
			clauses = append(clauses, fmt.Sprintf("b.organization_id = ANY(%s)", b.bind(ids)))
		}
		if includeNull {
			clauses = append(clauses, "b.organization_id IS NULL")
		}
		return "(" + strings.Join(clauses, " OR ") + ")", true
	}
	if q.OrganizationID != nil {
		return fmt.Sprintf("b.organization_id = %s", b.bind(*q.OrganizationID)), true
	}
	return "", true
}

// buildBaseQuery assembles the joined SELECT and its companion COUNT,
// returning ports.PlannerQuery ready for an SQLExecutor.
func buildBaseQuery(table string, q Query, selectFields []string, hasOrgCol, hasTenantCol, hasDeletedCol bool) (ports.PlannerQuery, bool, error) {
	var extraAliases []string
	for _, src := range q.CustomFieldSources {
		extraAliases = append(extraAliases, src.Alias)
	}

	b := &sqlBuilder{}
	var where []string

	if hasTenantCol {
		where = append(where, fmt.Sprintf("b.tenant_id = %s", b.bind(q.TenantID)))
	}
	if hasOrgCol {
		if clause, ok := buildOrganizationClause(b, q); !ok {
			return ports.PlannerQuery{}, false, nil
		} else if clause != "" {
			where = append(where, clause)
		}
	}
	if hasDeletedCol && !q.WithDeleted {
		where = append(where, "b.deleted_at IS NULL")
	}

	for _, f := range q.Filters {
		clause, err := buildFilterClause(b, f, extraAliases)
		if err != nil {
			return ports.PlannerQuery{}, false, err
		}
		where = append(where, clause)
	}
	whereArgsLen := len(b.args)

	selectList := make([]string, 0, len(selectFields))
	for _, f := range selectFields {
		expr := fieldExpr(f, extraAliases, false)
		selectList = append(selectList, fmt.Sprintf("%s AS %s", expr, sanitizeAlias(f)))
	}
	if len(selectList) == 0 {
		selectList = append(selectList, "b.*")
	}

	joins := []string{fmt.Sprintf(
		"LEFT JOIN entity_indexes ei ON ei.entity_type = %s AND ei.record_id = b.id::text AND ei.tenant_id = b.tenant_id AND ei.deleted_at IS NULL",
		b.bind(q.EntityType.String()),
	)}
	for _, src := range q.CustomFieldSources {
		joins = append(joins, fmt.Sprintf("LEFT JOIN %s %s ON %s", src.Table, src.Alias, src.Join))
		joins = append(joins, fmt.Sprintf(
			"LEFT JOIN entity_indexes %s_ei ON %s_ei.entity_type = %s AND %s_ei.record_id = %s.%s::text",
			src.Alias, src.Alias, b.bind(src.Table), src.Alias, src.Alias, src.RecordIDColumn,
		))
	}

	preLimitArgsLen := len(b.args)

	var sortList []string
	for _, s := range q.Sort {
		expr := fieldExpr(s.Field, extraAliases, false)
		dir := "ASC"
		if s.Direction == model.SortDesc {
			dir = "DESC"
		}
		sortList = append(sortList, fmt.Sprintf("%s %s", expr, dir))
	}

	page, pageSize := normalizePage(q.Page, q.PageSize)
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

	dataSQL := fmt.Sprintf(
		"SELECT %s FROM %s b %s%s%s LIMIT %s OFFSET %s",
		strings.Join(selectList, ", "), table, strings.Join(joins, " "), whereSQL, orderSQL, limitPh, offsetPh,
	)

	touchesCF := q.touchesCustomFields()
	var countSQL string
	var countArgs []any
	if touchesCF {
		// The joins are part of this count's FROM clause, so its args must
		// include the join binds (entity_type, custom field source tables).
		countSQL = fmt.Sprintf("SELECT COUNT(DISTINCT b.id) FROM %s b %s%s", table, strings.Join(joins, " "), whereSQL)
		countArgs = append([]any(nil), b.args[:preLimitArgsLen]...)
	} else {
		// No joins referenced here: only the where-clause binds apply.
		countSQL = fmt.Sprintf("SELECT COUNT(*) FROM (SELECT b.id FROM %s b%s GROUP BY b.id) t", table, whereSQL)
		countArgs = append([]any(nil), b.args[:whereArgsLen]...)
	}

	return ports.PlannerQuery{
		SQL:       dataSQL,
		Args:      b.args,
		CountSQL:  countSQL,
		CountArgs: countArgs,
	}, true, nil
}

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// customEntityRow is one seeded row for a custom entity, stored as raw JSON
// so field access can go through gjson the same way a real "doc" jsonb
// column would be read back.
type customEntityRow struct {
	recordID       string
	tenantID       string
	organizationID *string
	deleted        bool
	doc            []byte
}

// CustomEntityStore is an in-memory ports.CustomEntityStore for entities
// backed entirely by a JSON "doc" (spec.md §4.I "Fast path"). It evaluates
// Filters with gjson path extraction and gval expression evaluation instead
// of building SQL, exercising the same json-path/expression libraries the
// real planner's SQL would ultimately rely on doc->>'field' for.
type CustomEntityStore struct {
	mu   sync.RWMutex
	rows map[model.EntityType][]*customEntityRow
}

// NewCustomEntityStore constructs an empty CustomEntityStore.
func NewCustomEntityStore() *CustomEntityStore {
	return &CustomEntityStore{rows: make(map[model.EntityType][]*customEntityRow)}
}

// Seed inserts or replaces recordID's document under entityType.
func (c *CustomEntityStore) Seed(entityType model.EntityType, recordID, tenantID string, organizationID *string, doc map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal seeded doc: %w", err)
	}
	row := &customEntityRow{recordID: recordID, tenantID: tenantID, organizationID: organizationID, doc: raw}
	rows := c.rows[entityType]
	for i, r := range rows {
		if r.recordID == recordID {
			rows[i] = row
			return nil
		}
	}
	c.rows[entityType] = append(rows, row)
	return nil
}

// SoftDelete marks recordID's seeded doc deleted, setting doc.deletedAt the
// way the builder stamps a soft-deleted row's document.
func (c *CustomEntityStore) SoftDelete(entityType model.EntityType, recordID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rows[entityType] {
		if r.recordID == recordID {
			updated, err := sjson.SetBytes(r.doc, "deletedAt", now().Format("2006-01-02T15:04:05Z07:00"))
			if err != nil {
				return fmt.Errorf("stamp deletedAt: %w", err)
			}
			r.doc = updated
			r.deleted = true
			return nil
		}
	}
	return nil
}

func (c *CustomEntityStore) Query(ctx context.Context, entityType model.EntityType, q ports.CustomEntityQuery) ([]map[string]any, int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []*customEntityRow
	for _, r := range c.rows[entityType] {
		if r.tenantID != q.TenantID {
			continue
		}
		if q.OrganizationID != nil {
			if r.organizationID == nil || *r.organizationID != *q.OrganizationID {
				continue
			}
		}
		if r.deleted && !q.WithDeleted {
			continue
		}
		ok, err := matchesFilters(r.doc, q.Filters)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			matched = append(matched, r)
		}
	}

	total := int64(len(matched))

	if len(q.Sort) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, sf := range q.Sort {
				vi := gjson.GetBytes(matched[i].doc, sf.Field)
				vj := gjson.GetBytes(matched[j].doc, sf.Field)
				if vi.String() == vj.String() {
					continue
				}
				less := compareGjson(vi, vj) < 0
				if sf.Direction == model.SortDesc {
					return !less
				}
				return less
			}
			return false
		})
	}

	page, pageSize := q.Page, q.PageSize
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = len(matched)
	}
	start := (page - 1) * pageSize
	if start > len(matched) {
		start = len(matched)
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	out := make([]map[string]any, 0, end-start)
	for _, r := range matched[start:end] {
		out = append(out, projectFields(r, q.Fields))
	}
	return out, total, nil
}

func projectFields(r *customEntityRow, fields []string) map[string]any {
	if len(fields) == 0 {
		var doc map[string]any
		_ = json.Unmarshal(r.doc, &doc)
		return map[string]any{"record_id": r.recordID, "tenant_id": r.tenantID, "organization_id": r.organizationID, "doc": doc}
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[sanitizeFieldAlias(f)] = gjsonToAny(gjson.GetBytes(r.doc, f))
	}
	return out
}

func sanitizeFieldAlias(field string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "-", "_")
	return r.Replace(field)
}

// matchesFilters evaluates every filter against doc, all ANDed together
// (spec.md §4.I). Comparison operators run through gval so the same
// expression-evaluation path used for dynamic filter predicates in the real
// planner's query generation gets exercised in tests; membership/pattern/
// existence operators are cheaper evaluated directly.
func matchesFilters(doc []byte, filters []model.Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchesFilter(doc, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchesFilter(doc []byte, f model.Filter) (bool, error) {
	// "$."-prefixed fields are full JSONPath expressions (for navigating
	// into nested custom-field structures); everything else is a plain
	// gjson dotted path, matching doc->>'field' extraction.
	if strings.HasPrefix(f.Field, "$.") {
		return matchesJSONPathFilter(doc, f)
	}

	actual := gjson.GetBytes(doc, f.Field)

	switch f.Op {
	case model.FilterExists:
		want, _ := f.Value.(bool)
		return actual.Exists() == want, nil
	case model.FilterIn, model.FilterNin:
		values, _ := f.Value.([]any)
		found := false
		for _, v := range values {
			if fmt.Sprint(v) == actual.String() {
				found = true
				break
			}
		}
		if f.Op == model.FilterNin {
			return !found, nil
		}
		return found, nil
	case model.FilterLike, model.FilterIlike:
		pattern, _ := f.Value.(string)
		hay, needle := actual.String(), pattern
		if f.Op == model.FilterIlike {
			hay, needle = strings.ToLower(hay), strings.ToLower(needle)
		}
		return strings.Contains(hay, strings.Trim(needle, "%")), nil
	default:
		return evalComparison(f.Op, actual, f.Value)
	}
}

// matchesJSONPathFilter evaluates a JSONPath-addressed field (nested
// custom-field structures the builder may have attached under a composite
// key) via gval+jsonpath instead of gjson's flatter dotted-path syntax.
func matchesJSONPathFilter(doc []byte, f model.Filter) (bool, error) {
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return false, fmt.Errorf("unmarshal doc for jsonpath filter: %w", err)
	}
	actual, err := gval.Evaluate(f.Field, parsed, jsonpath.Language())
	if err != nil {
		// Missing path: treat like a SQL NULL, so only $exists:false matches.
		if f.Op == model.FilterExists {
			want, _ := f.Value.(bool)
			return want == false, nil
		}
		return false, nil
	}
	if f.Op == model.FilterExists {
		want, _ := f.Value.(bool)
		return (actual != nil) == want, nil
	}
	params := map[string]any{"actual": actual, "arg": f.Value}
	expr, ok := comparisonExprs[f.Op]
	if !ok {
		return false, fmt.Errorf("unsupported jsonpath filter operator %q", f.Op)
	}
	result, err := gval.Evaluate(expr, params)
	if err != nil {
		return false, fmt.Errorf("evaluate jsonpath filter %s: %w", expr, err)
	}
	b, _ := result.(bool)
	return b, nil
}

var comparisonExprs = map[model.FilterOp]string{
	model.FilterEq:  "actual == arg",
	model.FilterNe:  "actual != arg",
	model.FilterGt:  "actual > arg",
	model.FilterGte: "actual >= arg",
	model.FilterLt:  "actual < arg",
	model.FilterLte: "actual <= arg",
}

func evalComparison(op model.FilterOp, actual gjson.Result, want any) (bool, error) {
	expr, ok := comparisonExprs[op]
	if !ok {
		return false, fmt.Errorf("unsupported filter operator %q", op)
	}
	params := map[string]any{"actual": gjsonToAny(actual), "arg": want}
	result, err := gval.Evaluate(expr, params)
	if err != nil {
		return false, fmt.Errorf("evaluate filter %s %s: %w", expr, op, err)
	}
	b, _ := result.(bool)
	return b, nil
}

func gjsonToAny(r gjson.Result) any {
	switch r.Type {
	case gjson.Number:
		return r.Num
	case gjson.True, gjson.False:
		return r.Bool()
	case gjson.Null:
		return nil
	default:
		return r.String()
	}
}

func compareGjson(a, b gjson.Result) int {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		switch {
		case a.Num < b.Num:
			return -1
		case a.Num > b.Num:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a.String(), b.String())
}

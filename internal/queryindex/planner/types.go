package planner

import (
	service "github.com/openmercato/queryindex/internal/core/service"
	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// Query is the Hybrid Query Planner's input, per spec.md §4.I.
type Query struct {
	EntityType          model.EntityType
	Fields              []string
	Filters             []model.Filter
	Sort                []model.SortField
	Page                int
	PageSize            int
	TenantID            string // required
	OrganizationID      *string
	OrganizationIDs     []*string // nil entries mean "include null organization"
	WithDeleted         bool
	IncludeCustomFields any // true, or []string of explicit keys
	CustomFieldSources  []model.CustomFieldSource
}

// Meta carries non-fatal planner diagnostics back to the caller.
type Meta struct {
	PartialIndexWarning bool
	Warnings            []string
}

// Result is the planner's paginated response.
type Result struct {
	Items    []map[string]any
	Page     int
	PageSize int
	Total    int64
	Meta     Meta
}

const defaultPage = 1

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = defaultPage
	}
	return page, service.ClampPageSize(pageSize, service.DefaultPageSize, service.MaxPageSize)
}

// touchesCustomFields reports whether q references any cf: field, per
// spec.md §4.I "Determine if the query touches custom fields".
func (q Query) touchesCustomFields() bool {
	for _, f := range q.Fields {
		if isCustomFieldRef(f) {
			return true
		}
	}
	for _, f := range q.Filters {
		if isCustomFieldRef(f.Field) {
			return true
		}
	}
	if q.IncludeCustomFields != nil {
		if b, ok := q.IncludeCustomFields.(bool); !ok || b {
			return true
		}
	}
	return false
}

func isCustomFieldRef(field string) bool {
	return len(field) > 3 && field[:3] == "cf:"
}

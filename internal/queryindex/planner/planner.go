// Package planner implements the Hybrid Query Planner, per spec.md §4.I.
package planner

import (
	"context"
	"time"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/svcerrors"
)

// Planner implements query(entityType, options).
type Planner struct {
	registry    eventbus.EntityRegistryLike
	base        ports.BaseTableReader
	sql         ports.SQLExecutor
	customField ports.CustomFieldReader
	customStore ports.CustomEntityStore
	accountant  *coverage.Accountant
	bus         eventbus.EventBusLike

	forcePartialIndex    bool
	autoReindexEnabled   bool
	cfKeysCache          *customFieldKeysCache
	columns              *columnCache
	pendingRefresh       *pendingRefreshSet

	log *logger.Logger
}

// Options configures planner-wide policy.
type Options struct {
	ForcePartialIndex  bool
	AutoReindexEnabled bool
	CustomFieldKeysTTL time.Duration
}

// New constructs a Planner.
func New(registry eventbus.EntityRegistryLike, base ports.BaseTableReader, sqlExec ports.SQLExecutor, cf ports.CustomFieldReader, customStore ports.CustomEntityStore, accountant *coverage.Accountant, bus eventbus.EventBusLike, opts Options) *Planner {
	ttl := opts.CustomFieldKeysTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Planner{
		registry:           registry,
		base:               base,
		sql:                sqlExec,
		customField:        cf,
		customStore:        customStore,
		accountant:         accountant,
		bus:                bus,
		forcePartialIndex:  opts.ForcePartialIndex,
		autoReindexEnabled: opts.AutoReindexEnabled,
		cfKeysCache:        newCustomFieldKeysCache(ttl),
		columns:            newColumnCache(),
		pendingRefresh:     newPendingRefreshSet(),
		log:                logger.NewDefault("queryindex.planner"),
	}
}

// Query executes q and returns a paginated Result.
func (p *Planner) Query(ctx context.Context, q Query) (Result, error) {
	if q.EntityType == "" {
		return Result{}, svcerrors.InvalidArgument("entityType is required")
	}
	if q.TenantID == "" {
		return Result{}, svcerrors.InvalidArgument("tenantId is required")
	}

	page, pageSize := normalizePage(q.Page, q.PageSize)
	q.Page, q.PageSize = page, pageSize

	if p.registry != nil && p.registry.IsCustomEntity(q.EntityType.String()) {
		return p.queryCustomEntity(ctx, q)
	}
	return p.queryBasePath(ctx, q)
}

func (p *Planner) queryCustomEntity(ctx context.Context, q Query) (Result, error) {
	rows, total, err := p.customStore.Query(ctx, q.EntityType, ports.CustomEntityQuery{
		TenantID:       q.TenantID,
		OrganizationID: q.OrganizationID,
		WithDeleted:    q.WithDeleted,
		Fields:         q.Fields,
		Filters:        q.Filters,
		Sort:           q.Sort,
		Page:           q.Page,
		PageSize:       q.PageSize,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Items: rows, Page: q.Page, PageSize: q.PageSize, Total: total}, nil
}

func (p *Planner) queryBasePath(ctx context.Context, q Query) (Result, error) {
	table, ok := p.registry.ResolveEntityTableName(q.EntityType.String())
	if !ok {
		return Result{}, nil
	}
	if exists, err := p.tableExists(ctx, table); err != nil {
		return Result{}, err
	} else if !exists {
		// spec.md §4.I base path step 1: delegate to the fallback engine.
		// No fallback engine is wired in this deployment; surface an empty
		// result rather than failing the caller.
		return Result{Page: q.Page, PageSize: q.PageSize}, nil
	}

	var meta Meta
	if q.touchesCustomFields() {
		meta = p.evaluateCoverage(ctx, q)
		if meta.PartialIndexWarning && !p.forcePartialIndex {
			// forcePartialIndex=false: fall back to the base-only engine
			// instead of returning partially-indexed results.
			q = stripCustomFields(q)
		}
	}

	hasOrgCol, _ := p.hasColumn(ctx, q.EntityType, "organization_id")
	hasTenantCol, _ := p.hasColumn(ctx, q.EntityType, "tenant_id")
	hasDeletedCol, _ := p.hasColumn(ctx, q.EntityType, "deleted_at")

	selectFields, err := p.resolveSelectFields(ctx, q)
	if err != nil {
		return Result{}, err
	}

	built, ok, err := buildBaseQuery(table, q, selectFields, hasOrgCol, hasTenantCol, hasDeletedCol)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// Forced no-results (empty organizationIds, no include-null).
		return Result{Page: q.Page, PageSize: q.PageSize, Meta: meta}, nil
	}

	items, err := p.sql.Query(ctx, built.SQL, built.Args)
	if err != nil {
		return Result{}, err
	}
	total, err := p.sql.QueryCount(ctx, built.CountSQL, built.CountArgs)
	if err != nil {
		return Result{}, err
	}

	return Result{Items: items, Page: q.Page, PageSize: q.PageSize, Total: total, Meta: meta}, nil
}

// evaluateCoverage implements spec.md §4.I step 3.
func (p *Planner) evaluateCoverage(ctx context.Context, q Query) Meta {
	var meta Meta
	key := model.CoverageScopeKey{EntityType: q.EntityType, TenantID: q.TenantID, OrganizationID: q.OrganizationID, WithDeleted: q.WithDeleted}

	row, found, err := p.accountant.ReadSnapshot(ctx, key)
	if err != nil {
		meta.Warnings = append(meta.Warnings, "coverage snapshot read failed: "+err.Error())
		return meta
	}
	if !found {
		p.scheduleCoverageRefresh(ctx, key)
		meta.Warnings = append(meta.Warnings, "coverage snapshot missing, refresh scheduled")
		return meta
	}
	if p.accountant.IsStale(row, time.Now()) {
		p.scheduleCoverageRefresh(ctx, key)
	}
	if row.PartialCoverage() {
		if p.autoReindexEnabled && p.bus != nil {
			_ = p.bus.Emit(ctx, "query_index.reindex", map[string]any{
				"entityType": q.EntityType.String(),
				"tenantId":   q.TenantID,
			}, eventbus.EmitOptions{Persistent: true})
		}
		meta.PartialIndexWarning = true
		meta.Warnings = append(meta.Warnings, "partial index coverage for this scope")
	}
	return meta
}

func (p *Planner) scheduleCoverageRefresh(ctx context.Context, key model.CoverageScopeKey) {
	scopeKey := key.EntityType.String() + "/" + key.TenantID
	if key.OrganizationID != nil {
		scopeKey += "/" + *key.OrganizationID
	}
	if !p.pendingRefresh.tryMark(scopeKey) {
		return
	}
	if p.bus == nil {
		p.pendingRefresh.clear(scopeKey)
		return
	}
	if err := p.bus.Emit(ctx, "query_index.coverage.refresh", map[string]any{
		"entityType":     key.EntityType.String(),
		"tenantId":       key.TenantID,
		"organizationId": key.OrganizationID,
	}, eventbus.EmitOptions{Persistent: false}); err != nil {
		p.log.WithField("entityType", key.EntityType).WithError(err).Warn("coverage refresh scheduling failed")
	}
	p.pendingRefresh.clear(scopeKey)
}

func (p *Planner) tableExists(ctx context.Context, table string) (bool, error) {
	cacheKey := "table:" + table
	if exists, ok := p.columns.get(cacheKey); ok {
		return exists, nil
	}
	exists, err := p.sql.TableExists(ctx, table)
	if err != nil {
		return false, err
	}
	p.columns.set(cacheKey, exists)
	return exists, nil
}

func (p *Planner) hasColumn(ctx context.Context, entityType model.EntityType, column string) (bool, error) {
	cacheKey := entityType.String() + "." + column
	if exists, ok := p.columns.get(cacheKey); ok {
		return exists, nil
	}
	exists, err := p.base.HasColumn(ctx, entityType, column)
	if err != nil {
		p.log.WithField("entityType", entityType).WithField("column", column).WithError(err).Warn("column existence check failed")
		return false, nil
	}
	p.columns.set(cacheKey, exists)
	return exists, nil
}

// resolveSelectFields resolves includeCustomFields=true into the active
// custom-field key set for the entity at scope, cached with a TTL (spec.md
// §4.I "Selection").
func (p *Planner) resolveSelectFields(ctx context.Context, q Query) ([]string, error) {
	fields := append([]string(nil), q.Fields...)

	switch v := q.IncludeCustomFields.(type) {
	case bool:
		if !v {
			return fields, nil
		}
	case []string:
		for _, k := range v {
			fields = append(fields, "cf:"+k)
		}
		return fields, nil
	default:
		return fields, nil
	}

	cacheKey := q.EntityType.String() + "/" + q.TenantID
	now := time.Now()
	if keys, ok := p.cfKeysCache.get(cacheKey, now); ok {
		for _, k := range keys {
			fields = append(fields, "cf:"+k)
		}
		return fields, nil
	}

	keys, err := p.customField.ActiveFieldKeys(ctx, []model.EntityType{q.EntityType}, q.TenantID)
	if err != nil {
		p.log.WithField("entityType", q.EntityType).WithError(err).Warn("active custom field key lookup failed")
		return fields, nil
	}
	p.cfKeysCache.set(cacheKey, keys, now)
	for _, k := range keys {
		fields = append(fields, "cf:"+k)
	}
	return fields, nil
}

func stripCustomFields(q Query) Query {
	var fields []string
	for _, f := range q.Fields {
		if !isCustomFieldRef(f) {
			fields = append(fields, f)
		}
	}
	var filters []model.Filter
	for _, f := range q.Filters {
		if !isCustomFieldRef(f.Field) {
			filters = append(filters, f)
		}
	}
	q.Fields = fields
	q.Filters = filters
	q.IncludeCustomFields = false
	return q
}

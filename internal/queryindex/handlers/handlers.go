// Package handlers wires the query-index core's operations to the event
// bus, per spec.md §4.J. Each handler is a short-lived unit of work.
package handlers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/indexer"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/purge"
	"github.com/openmercato/queryindex/internal/queryindex/reindex"
)

// Handlers bundles every event-bus handler the core registers.
type Handlers struct {
	bus         eventbus.EventBusLike
	registry    eventbus.EntityRegistryLike
	base        ports.BaseTableReader
	customField ports.CustomFieldReader
	indexer     *indexer.Indexer
	accountant  *coverage.Accountant
	reindexer   *reindex.Reindexer
	purger      *purge.Purger
	errorLog    ports.ErrorLogWriter

	debounceDelay time.Duration
	warmupThrottle time.Duration

	mu           sync.Mutex
	refreshTimers map[string]*time.Timer
	lastWarmupAt  map[string]time.Time

	log *logger.Logger
}

// Config tunes handler behavior.
type Config struct {
	CoverageRefreshDelay time.Duration
	WarmupThrottle       time.Duration
}

// New constructs Handlers.
func New(bus eventbus.EventBusLike, registry eventbus.EntityRegistryLike, base ports.BaseTableReader, cf ports.CustomFieldReader, idx *indexer.Indexer, accountant *coverage.Accountant, reindexer *reindex.Reindexer, purger *purge.Purger, errorLog ports.ErrorLogWriter, cfg Config) *Handlers {
	if cfg.WarmupThrottle <= 0 {
		cfg.WarmupThrottle = 5 * time.Minute
	}
	return &Handlers{
		bus:            bus,
		registry:       registry,
		base:           base,
		customField:    cf,
		indexer:        idx,
		accountant:     accountant,
		reindexer:      reindexer,
		purger:         purger,
		errorLog:       errorLog,
		debounceDelay:  cfg.CoverageRefreshDelay,
		warmupThrottle: cfg.WarmupThrottle,
		refreshTimers:  make(map[string]*time.Timer),
		lastWarmupAt:   make(map[string]time.Time),
		log:            logger.NewDefault("queryindex.handlers"),
	}
}

// Register subscribes every handler to the bus and returns a combined
// unsubscribe function.
func (h *Handlers) Register() func() {
	unsubs := []func(){
		h.bus.On("query_index.upsert_one", h.handleUpsertOne),
		h.bus.On("query_index.delete_one", h.handleDeleteOne),
		h.bus.On("query_index.reindex", h.handleReindex),
		h.bus.On("query_index.purge", h.handlePurge),
		h.bus.On("query_index.coverage.refresh", h.handleCoverageRefresh),
		h.bus.On("query_index.coverage.warmup", h.handleCoverageWarmup),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// RegisterCRUDBridge subscribes the CRUD bridge for a producer's
// created/updated/deleted events, e.g. "directory.organization.created".
func (h *Handlers) RegisterCRUDBridge(entityType model.EntityType, module, entity string) func() {
	bridge := func(action string) func(ctx context.Context, payload map[string]any) error {
		return func(ctx context.Context, payload map[string]any) error {
			return h.crudBridge(ctx, entityType, action, payload)
		}
	}
	unsubs := make([]func(), 0, 3)
	for _, action := range []string{"created", "updated", "deleted"} {
		unsubs = append(unsubs, h.bus.On(fmt.Sprintf("%s.%s.%s", module, entity, action), bridge(action)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func payloadString(payload map[string]any, key string) (string, bool) {
	v, ok := payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func payloadStringPtr(payload map[string]any, key string) *string {
	s, ok := payloadString(payload, key)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// crudBridge translates a producer CRUD event into the internal
// query_index.upsert_one / delete_one events, per spec.md §4.J.
func (h *Handlers) crudBridge(ctx context.Context, entityType model.EntityType, action string, payload map[string]any) error {
	id, _ := payloadString(payload, "id")
	orgID := payloadStringPtr(payload, "organizationId")
	tenantID, _ := payloadString(payload, "tenantId")

	if tenantID == "" || orgID == nil {
		if row, ok, err := h.base.GetRow(ctx, entityType, id); err == nil && ok {
			if tenantID == "" {
				if v, ok := row["tenant_id"].(string); ok {
					tenantID = v
				}
			}
			if orgID == nil {
				if v, ok := row["organization_id"].(string); ok && v != "" {
					orgID = &v
				}
			}
		}
	}

	if action == "deleted" {
		return h.bus.Emit(ctx, "query_index.delete_one", map[string]any{
			"entityType":     entityType.String(),
			"recordId":       id,
			"organizationId": orgID,
		}, eventbus.EmitOptions{Persistent: false})
	}

	if has, err := h.customField.HasActiveDefinition(ctx, entityType, tenantID, orgID); err == nil && !has {
		return nil
	}

	return h.bus.Emit(ctx, "query_index.upsert_one", map[string]any{
		"entityType":     entityType.String(),
		"recordId":       id,
		"organizationId": orgID,
		"tenantId":       tenantID,
		"crudAction":     action,
	}, eventbus.EmitOptions{Persistent: false})
}

func (h *Handlers) handleUpsertOne(ctx context.Context, payload map[string]any) error {
	entityType := model.EntityType(fmt.Sprint(payload["entityType"]))
	recordID, _ := payloadString(payload, "recordId")
	tenantID, _ := payloadString(payload, "tenantId")
	orgID := payloadStringPtr(payload, "organizationId")

	scope := model.Scope{TenantID: tenantID, OrganizationID: orgID}
	flags, err := h.indexer.Upsert(ctx, entityType, recordID, scope)
	if err != nil {
		h.logError("upsert_one", err, payload)
		return err
	}

	if suppress, _ := payload["suppressCoverage"].(bool); !suppress {
		adjustment := model.CoverageAdjustment{
			Scope: model.CoverageScopeKey{EntityType: entityType, TenantID: tenantID, OrganizationID: orgID},
		}
		if v, ok := payload["coverageBaseDelta"].(float64); ok {
			adjustment.DeltaBase = int64(v)
		}
		if v, ok := payload["coverageIndexDelta"].(float64); ok {
			adjustment.DeltaIndex = int64(v)
		} else if flags.Created {
			adjustment.DeltaIndex = 1
		}
		if !adjustment.IsZero() {
			if err := h.accountant.ApplyAdjustments(ctx, []model.CoverageAdjustment{adjustment}); err != nil {
				h.log.WithField("entityType", entityType).WithError(err).Warn("coverage adjustment failed")
			}
		}
	}

	_ = h.bus.Emit(ctx, "query_index.vectorize_one", map[string]any{
		"entityType": entityType.String(),
		"recordId":   recordID,
	}, eventbus.EmitOptions{Persistent: false})

	return nil
}

func (h *Handlers) handleDeleteOne(ctx context.Context, payload map[string]any) error {
	entityType := model.EntityType(fmt.Sprint(payload["entityType"]))
	recordID, _ := payloadString(payload, "recordId")
	orgID := payloadStringPtr(payload, "organizationId")
	tenantID, _ := payloadString(payload, "tenantId")

	scope := model.Scope{TenantID: tenantID, OrganizationID: orgID}
	if err := h.indexer.Delete(ctx, entityType, recordID, scope); err != nil {
		h.logError("delete_one", err, payload)
		return err
	}
	return nil
}

func (h *Handlers) handleReindex(ctx context.Context, payload map[string]any) error {
	entityType := model.EntityType(fmt.Sprint(payload["entityType"]))
	tenantID, _ := payloadString(payload, "tenantId")
	orgID := payloadStringPtr(payload, "organizationId")

	opts := reindex.Options{}
	if v, ok := payload["force"].(bool); ok {
		opts.Force = v
	}
	if v, ok := payload["batchSize"].(float64); ok {
		opts.BatchSize = int(v)
	}
	if v, ok := payload["partitionCount"].(float64); ok {
		opts.PartitionCount = int(v)
	}
	if v, ok := payload["partitionIndex"].(float64); ok {
		opts.PartitionIndex = int(v)
	}
	if v, ok := payload["resetCoverage"].(bool); ok {
		opts.ResetCoverage = v
	}

	_, err := h.reindexer.Run(ctx, entityType, tenantID, orgID, opts)
	if err != nil {
		h.logError("reindex", err, payload)
	}
	return err
}

func (h *Handlers) handlePurge(ctx context.Context, payload map[string]any) error {
	entityType := model.EntityType(fmt.Sprint(payload["entityType"]))
	tenantID, _ := payloadString(payload, "tenantId")
	orgID := payloadStringPtr(payload, "organizationId")

	h.logStatus("purge", "purge started", payload)
	result, err := h.purger.Run(ctx, entityType, tenantID, orgID)
	if err != nil {
		h.logError("purge", err, payload)
		return err
	}

	_ = h.bus.Emit(ctx, "query_index.coverage.refresh", map[string]any{
		"entityType": entityType.String(),
		"tenantId":   tenantID,
	}, eventbus.EmitOptions{Persistent: false})

	h.logStatus("purge", fmt.Sprintf("purge completed, affected=%d", result.Affected), payload)
	return nil
}

// handleCoverageRefresh debounces per-scope refresh requests: each event
// clears any pending timer for the scope and reschedules at debounceDelay.
func (h *Handlers) handleCoverageRefresh(ctx context.Context, payload map[string]any) error {
	entityType := model.EntityType(fmt.Sprint(payload["entityType"]))
	tenantID, _ := payloadString(payload, "tenantId")
	orgID := payloadStringPtr(payload, "organizationId")

	scopeKey := entityType.String() + "/" + tenantID
	if orgID != nil {
		scopeKey += "/" + *orgID
	}

	h.mu.Lock()
	if existing, ok := h.refreshTimers[scopeKey]; ok {
		existing.Stop()
	}
	h.refreshTimers[scopeKey] = time.AfterFunc(h.debounceDelay, func() {
		h.mu.Lock()
		delete(h.refreshTimers, scopeKey)
		h.mu.Unlock()

		scope := model.Scope{TenantID: tenantID, OrganizationID: orgID}
		if err := h.accountant.RefreshSnapshot(context.Background(), entityType, scope); err != nil {
			h.log.WithField("entityType", entityType).WithError(err).Warn("debounced coverage refresh failed")
		}
	})
	h.mu.Unlock()
	return nil
}

// handleCoverageWarmup iterates every registered entity and schedules a
// refresh per entity for the given tenant, throttled per-entity.
func (h *Handlers) handleCoverageWarmup(ctx context.Context, payload map[string]any) error {
	tenantID, _ := payloadString(payload, "tenantId")
	now := time.Now()

	for _, et := range h.registry.RegisteredEntityTypes() {
		h.mu.Lock()
		last, seen := h.lastWarmupAt[et+"/"+tenantID]
		h.mu.Unlock()
		if seen && now.Sub(last) < h.warmupThrottle {
			continue
		}

		_ = h.bus.Emit(ctx, "query_index.coverage.refresh", map[string]any{
			"entityType": et,
			"tenantId":   tenantID,
		}, eventbus.EmitOptions{Persistent: false})

		h.mu.Lock()
		h.lastWarmupAt[et+"/"+tenantID] = now
		h.mu.Unlock()
	}
	return nil
}

func (h *Handlers) logError(handlerName string, err error, payload map[string]any) {
	if h.errorLog != nil {
		h.errorLog.LogError(context.Background(), "handlers", handlerName, err, payload)
	}
	h.log.WithField("handler", handlerName).WithError(err).Warn("event handler failed")
}

func (h *Handlers) logStatus(handlerName, message string, payload map[string]any) {
	if h.errorLog != nil {
		h.errorLog.LogStatus(context.Background(), "handlers", handlerName, message, payload)
	}
	h.log.WithField("handler", handlerName).Info(message)
}

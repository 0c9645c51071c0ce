// Package reindex coordinates a full or partitioned reindex pass, per
// spec.md §4.G.
package reindex

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"

	service "github.com/openmercato/queryindex/internal/core/service"
	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/batch"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/jobs"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/svcerrors"
)

const (
	defaultBatchSize      = 500
	defaultPartitionCount = 1

	eventVectorizePurge = "query_index.vectorize_purge"
	eventVectorizeOne   = "query_index.vectorize_one"
)

// PartitionOf returns mod(abs(hash(id)), partitionCount), the deterministic
// bucket assignment named in spec.md §4.G step 6.
func PartitionOf(id string, partitionCount int) int {
	if partitionCount <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(id) % uint64(partitionCount))
}

// Options configures a single reindex pass.
type Options struct {
	Force          bool
	BatchSize      int
	PartitionCount int
	PartitionIndex int
	ResetCoverage  bool
	OnProgress     func(processed, total int64)
	VectorEnabled  bool
}

// Result summarizes a completed (or skipped) pass.
type Result struct {
	Skipped        bool
	ProcessedCount int64
	TotalCount     int64
}

// Reindexer implements the Reindexer contract.
type Reindexer struct {
	base      ports.BaseTableReader
	indexes   ports.IndexStore
	upserter  *batch.Upserter
	accountant *coverage.Accountant
	ledger    *jobs.Ledger
	bus       eventbus.EventBusLike
	vector    eventbus.VectorServiceLike
	log       *logger.Logger

	scanRetry service.RetryPolicy
	hooks     service.ObservationHooks
}

// New constructs a Reindexer.
func New(base ports.BaseTableReader, indexes ports.IndexStore, upserter *batch.Upserter, accountant *coverage.Accountant, ledger *jobs.Ledger, bus eventbus.EventBusLike, vector eventbus.VectorServiceLike) *Reindexer {
	return &Reindexer{
		base:       base,
		indexes:    indexes,
		upserter:   upserter,
		accountant: accountant,
		ledger:     ledger,
		bus:        bus,
		vector:     vector,
		log:        logger.NewDefault("queryindex.reindex"),
		scanRetry:  service.RetryPolicy{Attempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2},
		hooks:      service.NoopObservationHooks,
	}
}

// WithObservationHooks attaches OnStart/OnComplete callbacks fired around
// each reindex pass, so a host application can wire metrics/tracing without
// this package depending on a concrete backend.
func (r *Reindexer) WithObservationHooks(hooks service.ObservationHooks) *Reindexer {
	r.hooks = hooks
	return r
}

// Run executes a reindex pass for (entityType, tenantId?, organizationId?),
// optionally partitioned.
func (r *Reindexer) Run(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, opts Options) (Result, error) {
	if entityType == "" {
		return Result{}, svcerrors.InvalidArgument("entityType is required")
	}
	if tenantID == "" {
		return Result{}, svcerrors.InvalidArgument("tenantId is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PartitionCount <= 0 {
		opts.PartitionCount = defaultPartitionCount
	}
	if opts.PartitionCount > 1 {
		key := model.PartitionKey{PartitionCount: opts.PartitionCount, PartitionIndex: opts.PartitionIndex}
		if err := key.Validate(); err != nil {
			return Result{}, svcerrors.InvalidArgument("invalid partition key: %v", err)
		}
	}

	jobScope := model.JobScope{
		EntityType:     entityType,
		OrganizationID: organizationID,
		TenantID:       &tenantID,
	}
	if opts.PartitionCount > 1 {
		idx := opts.PartitionIndex
		cnt := opts.PartitionCount
		jobScope.PartitionIndex = &idx
		jobScope.PartitionCount = &cnt
	}

	if !opts.Force {
		if active, ok, err := r.ledger.ActiveJob(ctx, jobScope); err != nil {
			return Result{}, err
		} else if ok && !active.Completed() {
			return Result{Skipped: true}, nil
		}
	}

	query := ports.BucketQuery{TenantID: &tenantID, OrganizationID: organizationID}
	buckets, err := r.base.CountRows(ctx, entityType, query)
	if err != nil {
		return Result{}, err
	}
	var totalCount int64
	for _, b := range buckets {
		totalCount += b.Count
	}

	var partition *model.PartitionKey
	if opts.PartitionCount > 1 {
		partition = &model.PartitionKey{PartitionCount: opts.PartitionCount, PartitionIndex: opts.PartitionIndex}
	}

	jobStartedAt := time.Now()
	result := Result{TotalCount: totalCount}

	done := service.StartObservation(ctx, r.hooks, map[string]string{
		"entityType": entityType.String(),
		"tenantId":   tenantID,
	})
	defer func() { done(err) }()

	err = r.ledger.Run(ctx, jobScope, model.JobStatusReindexing, totalCount, func(ctx context.Context) error {
		if opts.ResetCoverage {
			if err := r.resetPass(ctx, entityType, tenantID, organizationID, partition, opts); err != nil {
				return err
			}
		}

		processed, err := r.scanAndUpsert(ctx, entityType, tenantID, organizationID, partition, opts, jobScope, totalCount)
		result.ProcessedCount = processed
		if err != nil {
			return err
		}

		if err := r.sweepOrphans(ctx, entityType, tenantID, organizationID, partition, jobStartedAt, opts); err != nil {
			r.log.WithField("entityType", entityType).WithError(err).Warn("orphan sweep failed")
		}

		return r.refreshCoverageBuckets(ctx, entityType, tenantID, organizationID, buckets)
	})

	return result, err
}

func (r *Reindexer) resetPass(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, opts Options) error {
	key := model.CoverageScopeKey{EntityType: entityType, TenantID: tenantID, OrganizationID: organizationID}
	scopeKey := tenantID + "/" + entityType.String()
	if organizationID != nil {
		scopeKey += "/" + *organizationID
	}

	now := time.Now()
	if !r.accountant.ShouldReset(scopeKey, now, opts.Force) {
		return nil
	}

	if opts.Force {
		if _, err := r.indexes.DeleteByScopeAndPartition(ctx, entityType, tenantID, organizationID, partition, nil); err != nil {
			return err
		}
		if opts.VectorEnabled && r.bus != nil {
			_ = r.bus.Emit(ctx, eventVectorizePurge, map[string]any{
				"entityType":     entityType.String(),
				"tenantId":       tenantID,
				"organizationId": organizationID,
			}, eventbus.EmitOptions{Persistent: true})
		}
	}

	if err := r.accountant.ZeroSnapshot(ctx, key); err != nil {
		return err
	}
	r.accountant.MarkReset(scopeKey, now)
	return nil
}

func (r *Reindexer) scanAndUpsert(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, opts Options, jobScope model.JobScope, totalCount int64) (int64, error) {
	var processed int64
	afterID := ""
	fallbackScope := model.Scope{TenantID: tenantID, OrganizationID: organizationID}

	for {
		var chunk []ports.BaseRow
		err := service.Retry(ctx, r.scanRetry, func() error {
			var scanErr error
			chunk, scanErr = r.base.ScanChunk(ctx, entityType, ports.ScanQuery{
				TenantID:       tenantID,
				OrganizationID: organizationID,
				AfterID:        afterID,
				BatchSize:      opts.BatchSize,
				Partition:      partition,
			})
			return scanErr
		})
		if err != nil {
			return processed, svcerrors.Database(err, "scan chunk for reindex")
		}
		if len(chunk) == 0 {
			break
		}

		upsertResult, err := r.upserter.Upsert(ctx, entityType, chunk, fallbackScope, batch.Options{})
		if err != nil {
			return processed, err
		}

		delta := int64(upsertResult.Upserted)
		if delta > 0 {
			adjustment := model.CoverageAdjustment{
				Scope: model.CoverageScopeKey{EntityType: entityType, TenantID: tenantID, OrganizationID: organizationID},
				DeltaIndex: delta,
			}
			if err := r.accountant.ApplyAdjustments(ctx, []model.CoverageAdjustment{adjustment}); err != nil {
				return processed, err
			}
		}

		if opts.VectorEnabled && r.bus != nil {
			for _, row := range chunk {
				id, _ := row["id"].(string)
				_ = r.bus.Emit(ctx, eventVectorizeOne, map[string]any{
					"entityType": entityType.String(),
					"recordId":   id,
				}, eventbus.EmitOptions{Persistent: false})
			}
		}

		processed += delta
		if err := r.ledger.UpdateProgress(ctx, jobScope, delta); err != nil {
			return processed, err
		}
		if opts.OnProgress != nil {
			opts.OnProgress(processed, totalCount)
		}

		last := chunk[len(chunk)-1]
		if id, ok := last["id"].(string); ok {
			afterID = id
		} else {
			break
		}
		if len(chunk) < opts.BatchSize {
			break
		}
	}

	return processed, nil
}

func (r *Reindexer) sweepOrphans(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, jobStartedAt time.Time, opts Options) error {
	ids, err := r.indexes.ListIDsForOrphanSweep(ctx, entityType, tenantID, organizationID, partition, jobStartedAt)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	deleted, err := r.indexes.DeleteByScopeAndPartition(ctx, entityType, tenantID, organizationID, partition, ids)
	if err != nil {
		return err
	}
	if deleted > 0 {
		adjustment := model.CoverageAdjustment{
			Scope:      model.CoverageScopeKey{EntityType: entityType, TenantID: tenantID, OrganizationID: organizationID},
			DeltaIndex: -deleted,
		}
		if err := r.accountant.ApplyAdjustments(ctx, []model.CoverageAdjustment{adjustment}); err != nil {
			return err
		}
	}

	if opts.VectorEnabled && r.vector != nil {
		if err := r.vector.RemoveOrphans(ctx, entityType.String(), jobStartedAt.Unix()); err != nil {
			r.log.WithField("entityType", entityType).WithError(err).Warn("vector orphan sweep failed")
		}
	}
	return nil
}

func (r *Reindexer) refreshCoverageBuckets(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, buckets []ports.BucketCount) error {
	if len(buckets) == 0 {
		return r.accountant.RefreshSnapshot(ctx, entityType, model.Scope{TenantID: tenantID, OrganizationID: organizationID})
	}
	for _, b := range buckets {
		scope := model.Scope{TenantID: b.TenantID, OrganizationID: b.OrganizationID}
		if err := r.accountant.RefreshSnapshot(ctx, entityType, scope); err != nil {
			return err
		}
	}
	return nil
}

// Descriptor advertises the Reindexer for the process supervisor's
// descriptor listing (system.DescriptorProvider).
func (r *Reindexer) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:   "queryindex.reindexer",
		Domain: "queryindex",
		Layer:  service.LayerEngine,
	}.WithCapabilities("reindex.full", "reindex.partitioned", "orphan-sweep")
}

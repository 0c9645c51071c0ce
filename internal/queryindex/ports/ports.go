// Package ports declares the storage-facing interfaces consumed by the
// query-index components (Builder, Indexer, Batch Upserter, Coverage
// Accountant, Job Ledger, Reindexer, Purger). Concrete implementations live
// under internal/storage/postgres and internal/storage/memory; keeping the
// interfaces here (rather than in storage/postgres) lets every component
// depend on a narrow contract instead of the full store.
package ports

import (
	"context"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// BaseRow is a single row read from a base table, keyed by column name.
type BaseRow map[string]any

// BaseTableReader reads rows and schema facts from a base table, gated by
// EntityRegistryLike.ResolveEntityTableName.
type BaseTableReader interface {
	// GetRow fetches the base row for recordID, or ok=false if absent
	// (spec.md §4.A: "base row missing").
	GetRow(ctx context.Context, entityType model.EntityType, recordID string) (row BaseRow, ok bool, err error)
	// HasColumn reports whether the base table for entityType has the named
	// column (spec.md §4.E, §4.G: organization_id/tenant_id/deleted_at gating).
	HasColumn(ctx context.Context, entityType model.EntityType, column string) (bool, error)
	// CountRows returns the base row count for scope, optionally grouped by
	// organization/tenant when those scope fields are "any" (nil pointer in
	// BucketQuery).
	CountRows(ctx context.Context, entityType model.EntityType, q BucketQuery) ([]BucketCount, error)
	// ScanChunk returns up to batchSize rows with id > afterID, restricted
	// to q and, when partitioned, to the partition predicate.
	ScanChunk(ctx context.Context, entityType model.EntityType, q ScanQuery) ([]BaseRow, error)
}

// BucketQuery scopes a base-count query; nil TenantID/OrganizationID means
// "any" (grouped), per spec.md §4.G step 3.
type BucketQuery struct {
	TenantID       *string
	OrganizationID *string
}

// BucketCount is one grouped result from CountRows.
type BucketCount struct {
	TenantID       string
	OrganizationID *string
	Count          int64
}

// ScanQuery restricts a reindex scan to a scope and (optionally) a partition.
type ScanQuery struct {
	TenantID       string
	OrganizationID *string
	AfterID        string
	BatchSize      int
	Partition      *model.PartitionKey
}

// ParentRowFetcher resolves a composite entity's parent row (spec.md §4.A
// point 2, e.g. customer-person-profile -> parent party row).
type ParentRowFetcher interface {
	GetParentRow(ctx context.Context, entityType model.EntityType, recordID string) (row BaseRow, ok bool, err error)
}

// CustomFieldValue is one active custom-field value visible at a scope.
type CustomFieldValue struct {
	FieldKey       string
	Value          any
	FieldOrgID     *string
	FieldTenantID  *string
}

// CustomFieldReader reads custom-field definitions/values for the Document
// Builder and Batch Upserter.
type CustomFieldReader interface {
	// GetValues returns every custom-field value attached to recordID,
	// regardless of scope visibility; callers apply the visibility rule
	// of spec.md §4.A point 3.
	GetValues(ctx context.Context, entityType model.EntityType, recordID string) ([]CustomFieldValue, error)
	// GetValuesBatch is the batched form used by the Batch Upserter (4.D).
	GetValuesBatch(ctx context.Context, entityType model.EntityType, recordIDs []string) (map[string][]CustomFieldValue, error)
	// HasActiveDefinition reports whether entityType has at least one active
	// custom-field definition visible at scope (spec.md §4.J CRUD bridge).
	HasActiveDefinition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (bool, error)
	// ActiveFieldKeys returns the active custom-field keys for entityType at
	// scope, used by the planner's includeCustomFields resolution (4.I).
	ActiveFieldKeys(ctx context.Context, entityTypes []model.EntityType, tenantID string) ([]string, error)
}

// TranslationValue is one translated-field value.
type TranslationValue struct {
	Locale string
	Field  string
	Value  any
}

// TranslationReader reads translation rows for the Document Builder.
type TranslationReader interface {
	GetTranslations(ctx context.Context, entityType model.EntityType, recordID string, tenantID string, organizationID *string) ([]TranslationValue, error)
}

// IndexStore persists/reads entity_indexes rows.
type IndexStore interface {
	// Get returns the current IndexRow for the unique key, including
	// soft-deleted rows, or ok=false if none exists.
	Get(ctx context.Context, entityType model.EntityType, recordID string, organizationIDCoalesced string) (model.IndexRow, bool, error)
	// Upsert writes doc under the unique key (entityType, recordID,
	// organizationIDCoalesced), clearing deletedAt, tolerating a missing
	// coalesced-column unique index by falling back to update-then-insert
	// (spec.md §4.C).
	Upsert(ctx context.Context, row model.IndexRow) (model.TransitionFlags, error)
	// Delete physically removes the IndexRow for the unique key and
	// reports whether an active (non-deleted) row was removed.
	Delete(ctx context.Context, entityType model.EntityType, recordID string, organizationIDCoalesced string) (wasActive bool, err error)
	// DeleteByScopeAndPartition deletes rows in entityType+scope restricted
	// to the partition (used by the reindexer's force-reset and the
	// orphan sweep).
	DeleteByScopeAndPartition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, recordIDs []string) (int64, error)
	// SoftDeleteByScope marks every matching row deleted (used by Purger).
	SoftDeleteByScope(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (affected int64, err error)
	// ListIDsForOrphanSweep returns ids of IndexRows in the scope+partition
	// whose updated_at predates olderThan (spec.md §4.G step 8).
	ListIDsForOrphanSweep(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, olderThan time.Time) ([]string, error)
}

// BatchUpsertRow is one row handed to the Batch Upserter.
type BatchUpsertRow struct {
	RecordID       string
	TenantID       string
	OrganizationID *string
	Doc            map[string]any
}

// IndexBatchStore is the bulk-write surface used by the Batch Upserter.
type IndexBatchStore interface {
	// UpsertMany writes all rows in one statement when the backend
	// supports ON CONFLICT on the coalesced column, else falls back to a
	// per-row update-then-insert transaction (spec.md §4.D).
	UpsertMany(ctx context.Context, entityType model.EntityType, rows []BatchUpsertRow) error
	// SupportsCoalescedUpsert reports whether the unique coalesced-column
	// index exists (probed once, cached by the implementation).
	SupportsCoalescedUpsert(ctx context.Context, entityType model.EntityType) (bool, error)
}

// TokenReplacer is the storage surface used by the Token Extractor.
type TokenReplacer interface {
	// ReplaceForRecord deletes only the (entityID, field) pairs present in
	// tokens, then inserts tokens, in one transaction (spec.md §4.B). An
	// empty tokens slice deletes every token of the record at scope.
	ReplaceForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, tokens []model.SearchToken) error
	// ReplaceForBatch is the batched form used after a batch upsert.
	ReplaceForBatch(ctx context.Context, entityType model.EntityType, perRecord map[string][]model.SearchToken) error
	// DeleteForRecord removes every token for recordID at scope.
	DeleteForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) error
}

// CoverageStore persists/reads entity_index_coverage rows.
type CoverageStore interface {
	Read(ctx context.Context, key model.CoverageScopeKey) (model.CoverageRow, bool, error)
	// Write performs an absolute overwrite of the provided fields,
	// retaining unspecified fields from the existing row (spec.md §4.E
	// writeCounts). It must delete a pre-existing unscoped duplicate row
	// before inserting the sentinel row.
	Write(ctx context.Context, key model.CoverageScopeKey, baseCount, indexedCount, vectorCount *int64) error
	// ApplyAdjustments aggregates adjustments per scope and applies
	// max(current+delta, 0) atomically per scope (row-level locking).
	ApplyAdjustments(ctx context.Context, adjustments []model.CoverageAdjustment) error
}

// JobStore persists/reads entity_index_jobs rows.
type JobStore interface {
	// ActiveJob returns the open (finished_at IS NULL) job for scope, if any.
	ActiveJob(ctx context.Context, scope model.JobScope) (model.IndexJob, bool, error)
	Prepare(ctx context.Context, scope model.JobScope, status model.JobStatus, totalCount int64) error
	UpdateProgress(ctx context.Context, scope model.JobScope, delta int64) error
	Finalize(ctx context.Context, scope model.JobScope) error
}

// PlannerQuery is the compiled request the Hybrid Query Planner hands to a
// SQLExecutor: a full SELECT/COUNT pair ready to run.
type PlannerQuery struct {
	SQL       string
	Args      []any
	CountSQL  string
	CountArgs []any
}

// SQLExecutor runs planner-built SQL against the base-table/entity_indexes
// join. Concrete implementations wrap *sqlx.DB (or a transaction) and scan
// into generic maps since the column set is request-dependent.
type SQLExecutor interface {
	Query(ctx context.Context, sqlText string, args []any) ([]map[string]any, error)
	QueryCount(ctx context.Context, sqlText string, args []any) (int64, error)
	TableExists(ctx context.Context, table string) (bool, error)
}

// CustomEntityQuery is the fast-path request for entities backed entirely
// by custom_entities_storage (spec.md §4.I "Fast path").
type CustomEntityQuery struct {
	TenantID       string
	OrganizationID *string
	WithDeleted    bool
	Fields         []string
	Filters        []model.Filter
	Sort           []model.SortField
	Page           int
	PageSize       int
}

// CustomEntityStore backs the custom-entity fast path: every row's
// attributes live in a single JSON "doc" column, filtered/sorted via JSON
// path expressions rather than real columns.
type CustomEntityStore interface {
	Query(ctx context.Context, entityType model.EntityType, q CustomEntityQuery) (rows []map[string]any, total int64, err error)
}

// ErrorLogWriter appends to the observational indexer_error_logs table.
type ErrorLogWriter interface {
	LogError(ctx context.Context, source, handler string, err error, meta map[string]any)
	LogStatus(ctx context.Context, source, handler, message string, meta map[string]any)
}

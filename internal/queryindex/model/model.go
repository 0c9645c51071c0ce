// Package model defines the semantic types shared by every query-index
// component, per spec.md §3.
package model

import (
	"time"
)

// SentinelOrganizationID is the internal storage key used for coverage rows
// when Scope.OrganizationID is nil (the "global" scope).
const SentinelOrganizationID = "00000000-0000-0000-0000-000000000000"

// EntityType is "<module>:<entity>"; it maps to exactly one base table via
// an external resolver (EntityRegistryLike.ResolveEntityTableName).
type EntityType string

// String returns the entity type as a plain string.
func (e EntityType) String() string { return string(e) }

// Scope is the tuple under which all indexed or counted rows are observed.
type Scope struct {
	TenantID       string
	OrganizationID *string // nil means the global scope
	WithDeleted    bool
}

// OrganizationIDCoalesced returns OrganizationID, or the sentinel UUID if nil.
func (s Scope) OrganizationIDCoalesced() string {
	if s.OrganizationID == nil {
		return SentinelOrganizationID
	}
	return *s.OrganizationID
}

// PartitionKey identifies a deterministic subset of rows for parallel
// reindexing. 0 <= PartitionIndex < PartitionCount.
type PartitionKey struct {
	PartitionCount int
	PartitionIndex int
}

// Validate rejects out-of-range partition keys (spec.md §8 boundary
// behaviors: partitionIndex = partitionCount is invalid, = partitionCount-1
// is valid).
func (p PartitionKey) Validate() error {
	if p.PartitionCount <= 0 {
		return errInvalidPartition("partitionCount must be positive")
	}
	if p.PartitionIndex < 0 || p.PartitionIndex >= p.PartitionCount {
		return errInvalidPartition("partitionIndex out of range")
	}
	return nil
}

type partitionErr string

func (e partitionErr) Error() string { return string(e) }

func errInvalidPartition(msg string) error { return partitionErr(msg) }

// RecordId is the record's primary key in its base table, stringified.
type RecordId = string

// IndexRow mirrors the entity_indexes table (spec.md §3.1).
type IndexRow struct {
	EntityType     EntityType
	RecordID       RecordId
	TenantID       string
	OrganizationID *string
	Doc            map[string]any
	IndexVersion   int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// IsDeleted reports whether the row is soft-deleted.
func (r IndexRow) IsDeleted() bool { return r.DeletedAt != nil }

// OrganizationIDCoalesced returns OrganizationID, or the sentinel UUID if nil.
func (r IndexRow) OrganizationIDCoalesced() string {
	if r.OrganizationID == nil {
		return SentinelOrganizationID
	}
	return *r.OrganizationID
}

// JobStatus enumerates the IndexJob.Status values.
type JobStatus string

const (
	JobStatusReindexing JobStatus = "reindexing"
	JobStatusPurging    JobStatus = "purging"
)

// JobScope keys an IndexJob row. All distinctness checks use SQL
// "IS NOT DISTINCT FROM" semantics, so nil fields compare equal to each
// other (spec.md §4.F).
type JobScope struct {
	EntityType     EntityType
	OrganizationID *string
	TenantID       *string
	PartitionIndex *int // nil denotes a scope-wide, unpartitioned job
	PartitionCount *int
}

// IndexJob mirrors the entity_index_jobs table.
type IndexJob struct {
	Scope          JobScope
	Status         JobStatus
	StartedAt      time.Time
	HeartbeatAt    time.Time
	FinishedAt     *time.Time
	ProcessedCount int64
	TotalCount     int64
}

// Completed reports whether the job has finished (spec.md §3.2).
func (j IndexJob) Completed() bool { return j.FinishedAt != nil }

// Stalled reports whether a non-finished job's heartbeat is older than
// staleAfter (spec.md §4.F).
func (j IndexJob) Stalled(now time.Time, staleAfter time.Duration) bool {
	if j.Completed() {
		return false
	}
	return now.Sub(j.HeartbeatAt) > staleAfter
}

// CoverageRow mirrors the entity_index_coverage table.
type CoverageRow struct {
	EntityType         EntityType
	TenantID           string
	OrganizationID     *string
	WithDeleted        bool
	BaseCount          int64
	IndexedCount       int64
	VectorIndexedCount int64
	RefreshedAt        time.Time
}

// Stale reports whether the snapshot is older than staleAfter.
func (c CoverageRow) Stale(now time.Time, staleAfter time.Duration) bool {
	return now.Sub(c.RefreshedAt) > staleAfter
}

// PartialCoverage reports whether the scope has some but not all rows
// indexed (spec.md §4.I step 3, §7).
func (c CoverageRow) PartialCoverage() bool {
	return c.BaseCount > 0 && c.IndexedCount < c.BaseCount
}

// CoverageAdjustment is a delta applied by applyAdjustments (spec.md §4.E).
type CoverageAdjustment struct {
	Scope      CoverageScopeKey
	DeltaBase  int64
	DeltaIndex int64
	DeltaVector int64
}

// CoverageScopeKey identifies a coverage row's unique key.
type CoverageScopeKey struct {
	EntityType     EntityType
	TenantID       string
	OrganizationID *string
	WithDeleted    bool
}

// IsZero reports whether the adjustment is a no-op (spec.md §4.E: "Zero-sum
// adjustments are dropped").
func (a CoverageAdjustment) IsZero() bool {
	return a.DeltaBase == 0 && a.DeltaIndex == 0 && a.DeltaVector == 0
}

// SearchToken mirrors the search_tokens table.
type SearchToken struct {
	EntityType EntityType
	RecordID   RecordId
	Field      string
	TokenHash  string
	RawToken   *string
	Scope      Scope
}

// FilterOp enumerates the query operators accepted by the Hybrid Query
// Planner (spec.md §4.I).
type FilterOp string

const (
	FilterEq     FilterOp = "$eq"
	FilterNe     FilterOp = "$ne"
	FilterGt     FilterOp = "$gt"
	FilterGte    FilterOp = "$gte"
	FilterLt     FilterOp = "$lt"
	FilterLte    FilterOp = "$lte"
	FilterIn     FilterOp = "$in"
	FilterNin    FilterOp = "$nin"
	FilterLike   FilterOp = "$like"
	FilterIlike  FilterOp = "$ilike"
	FilterExists FilterOp = "$exists"
)

// Filter is one query condition; Field may be a base column name or a
// "cf:<key>" custom-field path.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// SortDirection is ascending or descending.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortField is one ORDER BY entry; Field follows the same column/"cf:"
// convention as Filter.Field.
type SortField struct {
	Field     string
	Direction SortDirection
}

// CustomFieldSource describes a cross-entity join used to pull cf: values
// from another entity's index row (spec.md §4.I point 6).
type CustomFieldSource struct {
	Table              string
	Alias              string
	Join               string // raw join predicate, e.g. "alias.party_id = b.id"
	RecordIDColumn     string
	OrganizationField  string
	TenantField        string
}

// TransitionFlags are returned by Indexer.Upsert so the Coverage Accountant
// can decide deltas without re-reading the row (spec.md §4.C).
type TransitionFlags struct {
	Existed    bool
	WasDeleted bool
	Created    bool
	Revived    bool
}

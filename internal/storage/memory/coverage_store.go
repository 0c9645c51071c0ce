package memory

import (
	"context"
	"sync"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// CoverageStore is an in-memory ports.CoverageStore.
type CoverageStore struct {
	mu   sync.Mutex
	rows map[model.CoverageScopeKey]model.CoverageRow
}

// NewCoverageStore constructs an empty CoverageStore.
func NewCoverageStore() *CoverageStore {
	return &CoverageStore{rows: make(map[model.CoverageScopeKey]model.CoverageRow)}
}

func (s *CoverageStore) Read(ctx context.Context, key model.CoverageScopeKey) (model.CoverageRow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	return row, ok, nil
}

// Write overwrites the provided fields, retaining unspecified fields from
// the existing row, mirroring postgres.CoverageStore.Write's coalesce
// semantics without needing a separate unscoped-duplicate cleanup (the
// in-memory key is always exact).
func (s *CoverageStore) Write(ctx context.Context, key model.CoverageScopeKey, baseCount, indexedCount, vectorCount *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[key]
	row.EntityType = key.EntityType
	row.TenantID = key.TenantID
	row.OrganizationID = key.OrganizationID
	row.WithDeleted = key.WithDeleted
	if baseCount != nil {
		row.BaseCount = *baseCount
	}
	if indexedCount != nil {
		row.IndexedCount = *indexedCount
	}
	if vectorCount != nil {
		row.VectorIndexedCount = *vectorCount
	}
	row.RefreshedAt = now()
	s.rows[key] = row
	return nil
}

// ApplyAdjustments applies max(current+delta, 0) per scope, per
// spec.md §4.E.
func (s *CoverageStore) ApplyAdjustments(ctx context.Context, adjustments []model.CoverageAdjustment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, adj := range adjustments {
		row := s.rows[adj.Scope]
		row.EntityType = adj.Scope.EntityType
		row.TenantID = adj.Scope.TenantID
		row.OrganizationID = adj.Scope.OrganizationID
		row.WithDeleted = adj.Scope.WithDeleted
		row.BaseCount = maxInt64(row.BaseCount+adj.DeltaBase, 0)
		row.IndexedCount = maxInt64(row.IndexedCount+adj.DeltaIndex, 0)
		row.VectorIndexedCount = maxInt64(row.VectorIndexedCount+adj.DeltaVector, 0)
		row.RefreshedAt = now()
		s.rows[adj.Scope] = row
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// CoverageStore implements ports.CoverageStore against entity_index_coverage.
type CoverageStore struct {
	*BaseStore
}

// NewCoverageStore constructs a CoverageStore.
func NewCoverageStore(base *BaseStore) *CoverageStore { return &CoverageStore{BaseStore: base} }

type coverageRowScan struct {
	EntityType         string         `db:"entity_type"`
	TenantID           string         `db:"tenant_id"`
	OrganizationID     sql.NullString `db:"organization_id"`
	WithDeleted        bool           `db:"with_deleted"`
	BaseCount          int64          `db:"base_count"`
	IndexedCount       int64          `db:"indexed_count"`
	VectorIndexedCount int64          `db:"vector_indexed_count"`
	RefreshedAt        time.Time      `db:"refreshed_at"`
}

func (r coverageRowScan) toModel() model.CoverageRow {
	return model.CoverageRow{
		EntityType:         model.EntityType(r.EntityType),
		TenantID:           r.TenantID,
		OrganizationID:     NullStringToPtr(r.OrganizationID),
		WithDeleted:        r.WithDeleted,
		BaseCount:          r.BaseCount,
		IndexedCount:       r.IndexedCount,
		VectorIndexedCount: r.VectorIndexedCount,
		RefreshedAt:        r.RefreshedAt,
	}
}

func coalescedOrgColumn(organizationID *string) string {
	if organizationID == nil {
		return model.SentinelOrganizationID
	}
	return *organizationID
}

// Read returns the current CoverageRow for key, or ok=false if absent.
func (s *CoverageStore) Read(ctx context.Context, key model.CoverageScopeKey) (model.CoverageRow, bool, error) {
	const q = `SELECT entity_type, tenant_id, organization_id, with_deleted, base_count, indexed_count, vector_indexed_count, refreshed_at
		FROM entity_index_coverage
		WHERE entity_type = $1 AND tenant_id = $2 AND organization_id_coalesced = $3 AND with_deleted = $4`

	var row coverageRowScan
	err := s.Querier(ctx).GetContext(ctx, &row, q, key.EntityType.String(), key.TenantID, coalescedOrgColumn(key.OrganizationID), key.WithDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CoverageRow{}, false, nil
	}
	if err != nil {
		return model.CoverageRow{}, false, fmt.Errorf("read coverage row: %w", err)
	}
	return row.toModel(), true, nil
}

// Write overwrites the provided fields, retaining unspecified fields from
// the existing row. It first deletes any pre-existing unscoped duplicate
// row (organization_id IS NULL without the sentinel) to preserve the
// uniqueness invariant.
func (s *CoverageStore) Write(ctx context.Context, key model.CoverageScopeKey, baseCount, indexedCount, vectorCount *int64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		const cleanup = `DELETE FROM entity_index_coverage
			WHERE entity_type = $1 AND tenant_id = $2 AND with_deleted = $3 AND organization_id IS NULL AND organization_id_coalesced <> $4`
		if _, err := s.Querier(ctx).ExecContext(ctx, cleanup, key.EntityType.String(), key.TenantID, key.WithDeleted, model.SentinelOrganizationID); err != nil {
			return fmt.Errorf("cleanup unscoped coverage row: %w", err)
		}

		const q = `INSERT INTO entity_index_coverage (entity_type, tenant_id, organization_id, with_deleted, base_count, indexed_count, vector_indexed_count, refreshed_at)
			VALUES ($1, $2, $3, $4, coalesce($5, 0), coalesce($6, 0), coalesce($7, 0), now())
			ON CONFLICT (entity_type, tenant_id, organization_id_coalesced, with_deleted) DO UPDATE SET
				base_count = coalesce($5, entity_index_coverage.base_count),
				indexed_count = coalesce($6, entity_index_coverage.indexed_count),
				vector_indexed_count = coalesce($7, entity_index_coverage.vector_indexed_count),
				refreshed_at = now()`
		_, err := s.Querier(ctx).ExecContext(ctx, q, key.EntityType.String(), key.TenantID, key.OrganizationID, key.WithDeleted, baseCount, indexedCount, vectorCount)
		if err != nil {
			return fmt.Errorf("write coverage row: %w", err)
		}
		return nil
	})
}

// ApplyAdjustments applies max(current+delta, 0) per scope under row-level
// locking (SELECT ... FOR UPDATE), aggregated by the caller beforehand.
func (s *CoverageStore) ApplyAdjustments(ctx context.Context, adjustments []model.CoverageAdjustment) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, adj := range adjustments {
			if err := s.applyOne(ctx, adj); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *CoverageStore) applyOne(ctx context.Context, adj model.CoverageAdjustment) error {
	const lock = `SELECT base_count, indexed_count, vector_indexed_count FROM entity_index_coverage
		WHERE entity_type = $1 AND tenant_id = $2 AND organization_id_coalesced = $3 AND with_deleted = $4 FOR UPDATE`

	var cur coverageRowScan
	err := s.Querier(ctx).GetContext(ctx, &cur, lock, adj.Scope.EntityType.String(), adj.Scope.TenantID, coalescedOrgColumn(adj.Scope.OrganizationID), adj.Scope.WithDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		newBase := maxInt64(adj.DeltaBase, 0)
		newIndex := maxInt64(adj.DeltaIndex, 0)
		newVector := maxInt64(adj.DeltaVector, 0)
		return s.Write(ctx, adj.Scope, &newBase, &newIndex, &newVector)
	}
	if err != nil {
		return fmt.Errorf("lock coverage row: %w", err)
	}

	newBase := maxInt64(cur.BaseCount+adj.DeltaBase, 0)
	newIndex := maxInt64(cur.IndexedCount+adj.DeltaIndex, 0)
	newVector := maxInt64(cur.VectorIndexedCount+adj.DeltaVector, 0)

	const update = `UPDATE entity_index_coverage SET base_count = $1, indexed_count = $2, vector_indexed_count = $3, refreshed_at = refreshed_at
		WHERE entity_type = $4 AND tenant_id = $5 AND organization_id_coalesced = $6 AND with_deleted = $7`
	_, err = s.Querier(ctx).ExecContext(ctx, update, newBase, newIndex, newVector, adj.Scope.EntityType.String(), adj.Scope.TenantID, coalescedOrgColumn(adj.Scope.OrganizationID), adj.Scope.WithDeleted)
	if err != nil {
		return fmt.Errorf("apply coverage adjustment: %w", err)
	}
	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	service "github.com/openmercato/queryindex/internal/core/service"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// upsertRacePolicy retries the update-then-insert fallback (up to three
// attempts in all) when a concurrent writer wins the race between its
// UPDATE (0 rows) and its INSERT, which fails with a unique-violation
// against the row the other writer just inserted.
var upsertRacePolicy = service.RetryPolicy{Attempts: 3, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond, Multiplier: 2}

// IndexStore implements ports.IndexStore and ports.IndexBatchStore against
// the entity_indexes table.
type IndexStore struct {
	*BaseStore
	log                 *logger.Logger
	coalescedSupport    map[model.EntityType]bool
}

// NewIndexStore constructs an IndexStore.
func NewIndexStore(base *BaseStore) *IndexStore {
	return &IndexStore{BaseStore: base, log: logger.NewDefault("storage.index"), coalescedSupport: make(map[model.EntityType]bool)}
}

type indexRowScan struct {
	EntityType     string         `db:"entity_type"`
	RecordID       string         `db:"record_id"`
	TenantID       string         `db:"tenant_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Doc            []byte         `db:"doc"`
	IndexVersion   int            `db:"index_version"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	DeletedAt      sql.NullTime   `db:"deleted_at"`
}

func (r indexRowScan) toModel() (model.IndexRow, error) {
	var doc map[string]any
	if len(r.Doc) > 0 {
		if err := json.Unmarshal(r.Doc, &doc); err != nil {
			return model.IndexRow{}, fmt.Errorf("unmarshal doc: %w", err)
		}
	}
	return model.IndexRow{
		EntityType:     model.EntityType(r.EntityType),
		RecordID:       r.RecordID,
		TenantID:       r.TenantID,
		OrganizationID: NullStringToPtr(r.OrganizationID),
		Doc:            doc,
		IndexVersion:   r.IndexVersion,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      NullTimeToPtr(r.DeletedAt),
	}, nil
}

// Get returns the current IndexRow for the unique key, including
// soft-deleted rows.
func (s *IndexStore) Get(ctx context.Context, entityType model.EntityType, recordID, organizationIDCoalesced string) (model.IndexRow, bool, error) {
	const q = `SELECT entity_type, record_id, tenant_id, organization_id, doc, index_version, created_at, updated_at, deleted_at
		FROM entity_indexes WHERE entity_type = $1 AND record_id = $2 AND organization_id_coalesced = $3`

	var row indexRowScan
	err := s.Querier(ctx).GetContext(ctx, &row, q, entityType.String(), recordID, organizationIDCoalesced)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IndexRow{}, false, nil
	}
	if err != nil {
		return model.IndexRow{}, false, fmt.Errorf("get index row: %w", err)
	}
	m, err := row.toModel()
	return m, true, err
}

// Upsert writes doc under the unique key, clearing deletedAt. Falls back to
// update-then-insert when the coalesced-column unique index is missing.
func (s *IndexStore) Upsert(ctx context.Context, row model.IndexRow) (model.TransitionFlags, error) {
	docBytes, err := json.Marshal(row.Doc)
	if err != nil {
		return model.TransitionFlags{}, fmt.Errorf("marshal doc: %w", err)
	}

	if s.coalescedSupport[row.EntityType] {
		return s.upsertOnConflict(ctx, row, docBytes)
	}

	var flags model.TransitionFlags
	var finalErr error
	_ = service.Retry(ctx, upsertRacePolicy, func() error {
		var err error
		flags, err = s.updateThenInsert(ctx, row, docBytes)
		finalErr = err
		if err != nil && isUniqueViolation(err) {
			return err // concurrent insert won the race; retry so UPDATE now matches
		}
		return nil // stop retrying: either success, or a non-race error to surface as-is
	})
	if finalErr != nil {
		if isMissingUniqueIndex(finalErr) {
			s.coalescedSupport[row.EntityType] = false
		}
		return model.TransitionFlags{}, finalErr
	}
	return flags, nil
}

func (s *IndexStore) upsertOnConflict(ctx context.Context, row model.IndexRow, docBytes []byte) (model.TransitionFlags, error) {
	const q = `INSERT INTO entity_indexes (entity_type, record_id, tenant_id, organization_id, doc, index_version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now(), NULL)
		ON CONFLICT (entity_type, record_id, organization_id_coalesced) DO UPDATE SET
			doc = EXCLUDED.doc, tenant_id = EXCLUDED.tenant_id, updated_at = now(), deleted_at = NULL, index_version = entity_indexes.index_version + 1
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := s.Querier(ctx).GetContext(ctx, &inserted, q, row.EntityType.String(), row.RecordID, row.TenantID, row.OrganizationID, docBytes)
	if err != nil {
		return model.TransitionFlags{}, fmt.Errorf("upsert index row: %w", err)
	}
	return model.TransitionFlags{Created: inserted, Existed: !inserted}, nil
}

func (s *IndexStore) updateThenInsert(ctx context.Context, row model.IndexRow, docBytes []byte) (model.TransitionFlags, error) {
	const update = `UPDATE entity_indexes SET doc = $1, tenant_id = $2, updated_at = now(), deleted_at = NULL, index_version = index_version + 1
		WHERE entity_type = $3 AND record_id = $4 AND organization_id_coalesced = $5`

	result, err := s.Querier(ctx).ExecContext(ctx, update, docBytes, row.TenantID, row.EntityType.String(), row.RecordID, row.OrganizationIDCoalesced())
	if err != nil {
		return model.TransitionFlags{}, fmt.Errorf("update index row: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected > 0 {
		return model.TransitionFlags{Existed: true}, nil
	}

	const insert = `INSERT INTO entity_indexes (entity_type, record_id, tenant_id, organization_id, doc, index_version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now(), NULL)`
	if _, err := s.Querier(ctx).ExecContext(ctx, insert, row.EntityType.String(), row.RecordID, row.TenantID, row.OrganizationID, docBytes); err != nil {
		return model.TransitionFlags{}, fmt.Errorf("insert index row: %w", err)
	}
	return model.TransitionFlags{Created: true}, nil
}

// Delete physically removes the IndexRow, reporting whether an active row
// was removed.
func (s *IndexStore) Delete(ctx context.Context, entityType model.EntityType, recordID, organizationIDCoalesced string) (bool, error) {
	const q = `DELETE FROM entity_indexes WHERE entity_type = $1 AND record_id = $2 AND organization_id_coalesced = $3 AND deleted_at IS NULL`
	result, err := s.Querier(ctx).ExecContext(ctx, q, entityType.String(), recordID, organizationIDCoalesced)
	if err != nil {
		return false, fmt.Errorf("delete index row: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	const cleanup = `DELETE FROM entity_indexes WHERE entity_type = $1 AND record_id = $2 AND organization_id_coalesced = $3`
	_, err = s.Querier(ctx).ExecContext(ctx, cleanup, entityType.String(), recordID, organizationIDCoalesced)
	return false, err
}

// DeleteByScopeAndPartition deletes rows in entityType+scope, optionally
// restricted to recordIDs and/or a hash partition.
func (s *IndexStore) DeleteByScopeAndPartition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, recordIDs []string) (int64, error) {
	var sb strings.Builder
	args := []any{entityType.String(), tenantID}
	sb.WriteString("DELETE FROM entity_indexes WHERE entity_type = $1 AND tenant_id = $2")

	if organizationID != nil {
		args = append(args, *organizationID)
		sb.WriteString(fmt.Sprintf(" AND organization_id = $%d", len(args)))
	}
	if partition != nil {
		args = append(args, partition.PartitionCount, partition.PartitionIndex)
		sb.WriteString(fmt.Sprintf(" AND mod(abs(hashtext(record_id)), $%d) = $%d", len(args)-1, len(args)))
	}
	if len(recordIDs) > 0 {
		args = append(args, pq.Array(recordIDs))
		sb.WriteString(fmt.Sprintf(" AND record_id = ANY($%d)", len(args)))
	}

	result, err := s.Querier(ctx).ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("delete by scope and partition: %w", err)
	}
	return result.RowsAffected()
}

// SoftDeleteByScope marks every matching row deleted.
func (s *IndexStore) SoftDeleteByScope(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (int64, error) {
	var sb strings.Builder
	args := []any{entityType.String(), tenantID}
	sb.WriteString("UPDATE entity_indexes SET deleted_at = now() WHERE entity_type = $1 AND tenant_id = $2 AND deleted_at IS NULL")
	if organizationID != nil {
		args = append(args, *organizationID)
		sb.WriteString(fmt.Sprintf(" AND organization_id = $%d", len(args)))
	}

	result, err := s.Querier(ctx).ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("soft delete by scope: %w", err)
	}
	return result.RowsAffected()
}

// ListIDsForOrphanSweep returns ids of IndexRows in scope+partition whose
// updated_at predates olderThan.
func (s *IndexStore) ListIDsForOrphanSweep(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, olderThan time.Time) ([]string, error) {
	var sb strings.Builder
	args := []any{entityType.String(), tenantID, olderThan}
	sb.WriteString("SELECT record_id FROM entity_indexes WHERE entity_type = $1 AND tenant_id = $2 AND updated_at < $3 AND deleted_at IS NULL")
	if organizationID != nil {
		args = append(args, *organizationID)
		sb.WriteString(fmt.Sprintf(" AND organization_id = $%d", len(args)))
	}
	if partition != nil {
		args = append(args, partition.PartitionCount, partition.PartitionIndex)
		sb.WriteString(fmt.Sprintf(" AND mod(abs(hashtext(record_id)), $%d) = $%d", len(args)-1, len(args)))
	}

	var ids []string
	if err := s.Querier(ctx).SelectContext(ctx, &ids, sb.String(), args...); err != nil {
		return nil, fmt.Errorf("list orphan ids: %w", err)
	}
	return ids, nil
}

// UpsertMany implements ports.IndexBatchStore: one statement per call when
// the coalesced-column unique index exists, else a per-row fallback
// transaction.
func (s *IndexStore) UpsertMany(ctx context.Context, entityType model.EntityType, rows []ports.BatchUpsertRow) error {
	if len(rows) == 0 {
		return nil
	}
	supported, err := s.SupportsCoalescedUpsert(ctx, entityType)
	if err != nil {
		return err
	}
	if supported {
		return s.upsertManyOnConflict(ctx, entityType, rows)
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			docBytes, err := json.Marshal(r.Doc)
			if err != nil {
				return fmt.Errorf("marshal doc for %s: %w", r.RecordID, err)
			}
			if _, err := s.updateThenInsert(ctx, model.IndexRow{
				EntityType:     entityType,
				RecordID:       r.RecordID,
				TenantID:       r.TenantID,
				OrganizationID: r.OrganizationID,
				Doc:            r.Doc,
			}, docBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *IndexStore) upsertManyOnConflict(ctx context.Context, entityType model.EntityType, rows []ports.BatchUpsertRow) error {
	const q = `INSERT INTO entity_indexes (entity_type, record_id, tenant_id, organization_id, doc, index_version, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now(), NULL)
		ON CONFLICT (entity_type, record_id, organization_id_coalesced) DO UPDATE SET
			doc = EXCLUDED.doc, tenant_id = EXCLUDED.tenant_id, updated_at = now(), deleted_at = NULL, index_version = entity_indexes.index_version + 1`

	return s.WithTx(ctx, func(ctx context.Context) error {
		for _, r := range rows {
			docBytes, err := json.Marshal(r.Doc)
			if err != nil {
				return fmt.Errorf("marshal doc for %s: %w", r.RecordID, err)
			}
			if _, err := s.Querier(ctx).ExecContext(ctx, q, entityType.String(), r.RecordID, r.TenantID, r.OrganizationID, docBytes); err != nil {
				return fmt.Errorf("upsert row %s: %w", r.RecordID, err)
			}
		}
		return nil
	})
}

// SupportsCoalescedUpsert probes (once, cached) whether the unique
// coalesced-column index exists.
func (s *IndexStore) SupportsCoalescedUpsert(ctx context.Context, entityType model.EntityType) (bool, error) {
	if v, ok := s.coalescedSupport[entityType]; ok {
		return v, nil
	}
	const q = `SELECT EXISTS (
		SELECT 1 FROM pg_indexes WHERE tablename = 'entity_indexes' AND indexdef ILIKE '%organization_id_coalesced%'
	)`
	var exists bool
	if err := s.Querier(ctx).GetContext(ctx, &exists, q); err != nil {
		return false, fmt.Errorf("probe coalesced index: %w", err)
	}
	s.coalescedSupport[entityType] = exists
	return exists, nil
}

func isMissingUniqueIndex(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no unique or exclusion constraint")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// JobStore implements ports.JobStore against entity_index_jobs, using
// "IS NOT DISTINCT FROM" comparisons so nil scope fields compare equal.
type JobStore struct {
	*BaseStore
}

// NewJobStore constructs a JobStore.
func NewJobStore(base *BaseStore) *JobStore { return &JobStore{BaseStore: base} }

type jobRowScan struct {
	EntityType     string         `db:"entity_type"`
	OrganizationID sql.NullString `db:"organization_id"`
	TenantID       sql.NullString `db:"tenant_id"`
	PartitionIndex sql.NullInt64  `db:"partition_index"`
	PartitionCount sql.NullInt64  `db:"partition_count"`
	Status         string         `db:"status"`
	StartedAt      time.Time      `db:"started_at"`
	HeartbeatAt    time.Time      `db:"heartbeat_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	ProcessedCount int64          `db:"processed_count"`
	TotalCount     int64          `db:"total_count"`
}

func (r jobRowScan) toModel() model.IndexJob {
	job := model.IndexJob{
		Scope: model.JobScope{
			EntityType:     model.EntityType(r.EntityType),
			OrganizationID: NullStringToPtr(r.OrganizationID),
			TenantID:       NullStringToPtr(r.TenantID),
		},
		Status:         model.JobStatus(r.Status),
		StartedAt:      r.StartedAt,
		HeartbeatAt:    r.HeartbeatAt,
		FinishedAt:     NullTimeToPtr(r.FinishedAt),
		ProcessedCount: r.ProcessedCount,
		TotalCount:     r.TotalCount,
	}
	if r.PartitionIndex.Valid {
		idx := int(r.PartitionIndex.Int64)
		job.Scope.PartitionIndex = &idx
	}
	if r.PartitionCount.Valid {
		cnt := int(r.PartitionCount.Int64)
		job.Scope.PartitionCount = &cnt
	}
	return job
}

const jobScopeWhere = `entity_type = $1
	AND organization_id IS NOT DISTINCT FROM $2
	AND tenant_id IS NOT DISTINCT FROM $3
	AND partition_index IS NOT DISTINCT FROM $4
	AND partition_count IS NOT DISTINCT FROM $5`

func scopeArgs(scope model.JobScope) []any {
	var partIdx, partCnt any
	if scope.PartitionIndex != nil {
		partIdx = *scope.PartitionIndex
	}
	if scope.PartitionCount != nil {
		partCnt = *scope.PartitionCount
	}
	return []any{scope.EntityType.String(), scope.OrganizationID, scope.TenantID, partIdx, partCnt}
}

// ActiveJob returns the open (finished_at IS NULL) job for scope, if any.
func (s *JobStore) ActiveJob(ctx context.Context, scope model.JobScope) (model.IndexJob, bool, error) {
	q := fmt.Sprintf(`SELECT entity_type, organization_id, tenant_id, partition_index, partition_count, status, started_at, heartbeat_at, finished_at, processed_count, total_count
		FROM entity_index_jobs WHERE %s AND finished_at IS NULL`, jobScopeWhere)

	var row jobRowScan
	err := s.Querier(ctx).GetContext(ctx, &row, q, scopeArgs(scope)...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.IndexJob{}, false, nil
	}
	if err != nil {
		return model.IndexJob{}, false, fmt.Errorf("read active job: %w", err)
	}
	return row.toModel(), true, nil
}

// Prepare upserts the single active row per scope.
func (s *JobStore) Prepare(ctx context.Context, scope model.JobScope, status model.JobStatus, totalCount int64) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		del := fmt.Sprintf(`DELETE FROM entity_index_jobs WHERE %s`, jobScopeWhere)
		if _, err := s.Querier(ctx).ExecContext(ctx, del, scopeArgs(scope)...); err != nil {
			return fmt.Errorf("clear prior job: %w", err)
		}

		const ins = `INSERT INTO entity_index_jobs (entity_type, organization_id, tenant_id, partition_index, partition_count, status, started_at, heartbeat_at, finished_at, processed_count, total_count)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now(), NULL, 0, $7)`
		args := append(scopeArgs(scope), string(status), totalCount)
		if _, err := s.Querier(ctx).ExecContext(ctx, ins, args...); err != nil {
			return fmt.Errorf("prepare job: %w", err)
		}
		return nil
	})
}

// UpdateProgress increments processed_count and refreshes the heartbeat.
func (s *JobStore) UpdateProgress(ctx context.Context, scope model.JobScope, delta int64) error {
	q := fmt.Sprintf(`UPDATE entity_index_jobs SET processed_count = processed_count + $6, heartbeat_at = now() WHERE %s`, jobScopeWhere)
	args := append(scopeArgs(scope), delta)
	if _, err := s.Querier(ctx).ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// Finalize sets finished_at=now and refreshes the heartbeat.
func (s *JobStore) Finalize(ctx context.Context, scope model.JobScope) error {
	q := fmt.Sprintf(`UPDATE entity_index_jobs SET finished_at = now(), heartbeat_at = now() WHERE %s`, jobScopeWhere)
	if _, err := s.Querier(ctx).ExecContext(ctx, q, scopeArgs(scope)...); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	return nil
}

// ListJobs lists every job-ledger row for entityType/tenantID/organizationID
// across partitions, for the Status Aggregator.
func (s *JobStore) ListJobs(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) ([]model.IndexJob, error) {
	const q = `SELECT entity_type, organization_id, tenant_id, partition_index, partition_count, status, started_at, heartbeat_at, finished_at, processed_count, total_count
		FROM entity_index_jobs WHERE entity_type = $1 AND tenant_id IS NOT DISTINCT FROM $2 AND organization_id IS NOT DISTINCT FROM $3
		ORDER BY partition_index NULLS FIRST`

	var rows []jobRowScan
	if err := s.Querier(ctx).SelectContext(ctx, &rows, q, entityType.String(), tenantID, organizationID); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]model.IndexJob, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

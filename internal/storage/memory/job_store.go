package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// JobStore is an in-memory ports.JobStore + status.JobLister, keyed by the
// same JobScope tuple as entity_index_jobs's unique index.
type JobStore struct {
	mu   sync.Mutex
	jobs map[model.JobScope]model.IndexJob
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[model.JobScope]model.IndexJob)}
}

func (s *JobStore) ActiveJob(ctx context.Context, scope model.JobScope) (model.IndexJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[scope]
	if !ok || job.Completed() {
		return model.IndexJob{}, false, nil
	}
	return job, true, nil
}

// Prepare replaces any prior job for scope with a fresh, non-finished row.
func (s *JobStore) Prepare(ctx context.Context, scope model.JobScope, status model.JobStatus, totalCount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := now()
	s.jobs[scope] = model.IndexJob{
		Scope:       scope,
		Status:      status,
		StartedAt:   t,
		HeartbeatAt: t,
		TotalCount:  totalCount,
	}
	return nil
}

func (s *JobStore) UpdateProgress(ctx context.Context, scope model.JobScope, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[scope]
	job.ProcessedCount += delta
	job.HeartbeatAt = now()
	s.jobs[scope] = job
	return nil
}

func (s *JobStore) Finalize(ctx context.Context, scope model.JobScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[scope]
	t := now()
	job.FinishedAt = &t
	job.HeartbeatAt = t
	s.jobs[scope] = job
	return nil
}

// ListJobs lists every job-ledger row for entityType/tenantID/organizationID
// across partitions, for the Status Aggregator.
func (s *JobStore) ListJobs(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) ([]model.IndexJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.IndexJob
	for scope, job := range s.jobs {
		if scope.EntityType != entityType {
			continue
		}
		if !stringPtrEq(scope.TenantID, &tenantID) {
			continue
		}
		if !stringPtrEq(scope.OrganizationID, organizationID) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Scope.PartitionIndex, out[j].Scope.PartitionIndex
		if pi == nil {
			return pj != nil
		}
		if pj == nil {
			return false
		}
		return *pi < *pj
	})
	return out, nil
}

// stringPtrEq mirrors SQL's "IS NOT DISTINCT FROM": nil compares equal to
// nil, and two non-nil pointers compare equal by value.
func stringPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

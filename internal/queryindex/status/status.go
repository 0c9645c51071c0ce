// Package status implements the read-only Status Aggregator, per spec.md
// §4.K.
package status

import (
	"context"
	"time"

	service "github.com/openmercato/queryindex/internal/core/service"
	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// PartitionStatus is "completed", "stalled", or a running job's declared
// status ("reindexing"/"purging").
type PartitionStatus string

const (
	PartitionCompleted PartitionStatus = "completed"
	PartitionStalled   PartitionStatus = "stalled"
)

// EntityStatus is one entity's rolled-up coverage and job state.
type EntityStatus struct {
	EntityType     model.EntityType
	Coverage       model.CoverageRow
	HasCoverage    bool
	Partitions     []PartitionSummary
	AggregateStatus string // "purging" | "reindexing" | "stalled" | "idle"
	ProcessedCount int64
	TotalCount     int64
}

// PartitionSummary is one job-scope partition's rolled-up state.
type PartitionSummary struct {
	Scope          model.JobScope
	Status         PartitionStatus
	DeclaredStatus model.JobStatus
	ProcessedCount int64
	TotalCount     int64
}

// JobLister lists every known job-ledger row for an entity, across
// partitions. Implemented by the jobs store adapter.
type JobLister interface {
	ListJobs(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) ([]model.IndexJob, error)
}

// Aggregator implements the Status Aggregator contract.
type Aggregator struct {
	registry   eventbus.EntityRegistryLike
	accountant *coverage.Accountant
	jobs       JobLister
	staleAfter time.Duration
}

// New constructs an Aggregator.
func New(registry eventbus.EntityRegistryLike, accountant *coverage.Accountant, jobs JobLister, staleAfter time.Duration) *Aggregator {
	return &Aggregator{registry: registry, accountant: accountant, jobs: jobs, staleAfter: staleAfter}
}

// Summarize reports every registered entity's rolled-up status for scope.
func (a *Aggregator) Summarize(ctx context.Context, tenantID string, organizationID *string, forceRefresh bool) ([]EntityStatus, error) {
	out := make([]EntityStatus, 0, len(a.registry.RegisteredEntityTypes()))

	for _, et := range a.registry.RegisteredEntityTypes() {
		entityType := model.EntityType(et)
		key := model.CoverageScopeKey{EntityType: entityType, TenantID: tenantID, OrganizationID: organizationID}

		row, found, err := a.accountant.ReadSnapshot(ctx, key)
		if err != nil {
			return nil, err
		}
		now := time.Now()
		if found && (forceRefresh || a.accountant.IsStale(row, now)) {
			scope := model.Scope{TenantID: tenantID, OrganizationID: organizationID}
			if err := a.accountant.RefreshSnapshot(ctx, entityType, scope); err == nil {
				row, found, _ = a.accountant.ReadSnapshot(ctx, key)
			}
		}

		entry := EntityStatus{EntityType: entityType, Coverage: row, HasCoverage: found}

		jobs, err := a.jobs.ListJobs(ctx, entityType, tenantID, organizationID)
		if err != nil {
			return nil, err
		}
		entry.Partitions, entry.AggregateStatus, entry.ProcessedCount, entry.TotalCount = a.rollUp(jobs, now)

		out = append(out, entry)
	}
	return out, nil
}

func (a *Aggregator) rollUp(jobs []model.IndexJob, now time.Time) ([]PartitionSummary, string, int64, int64) {
	summaries := make([]PartitionSummary, 0, len(jobs))
	var processed, total int64
	anyPurging, anyReindexing, anyStalled := false, false, false

	for _, j := range jobs {
		s := PartitionSummary{Scope: j.Scope, DeclaredStatus: j.Status, ProcessedCount: j.ProcessedCount, TotalCount: j.TotalCount}
		switch {
		case j.Completed():
			s.Status = PartitionCompleted
		case j.Stalled(now, a.staleAfter):
			s.Status = PartitionStalled
			anyStalled = true
		default:
			if j.Status == model.JobStatusPurging {
				anyPurging = true
			} else {
				anyReindexing = true
			}
		}
		summaries = append(summaries, s)
		processed += j.ProcessedCount
		total += j.TotalCount
	}
	if processed > total {
		processed = total
	}

	aggregate := "idle"
	switch {
	case anyPurging:
		aggregate = "purging"
	case anyReindexing:
		aggregate = "reindexing"
	case anyStalled:
		aggregate = "stalled"
	}

	return summaries, aggregate, processed, total
}

// Descriptor advertises the Status Aggregator for the process supervisor's
// descriptor listing (system.DescriptorProvider).
func (a *Aggregator) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:   "queryindex.status",
		Domain: "queryindex",
		Layer:  service.LayerEngine,
	}.WithCapabilities("status.summarize")
}

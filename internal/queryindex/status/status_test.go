package status

import (
	"context"
	"testing"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

type fakeRegistry struct {
	entityTypes []string
}

func (r *fakeRegistry) ResolveEntityTableName(entityType string) (string, bool) { return "", false }
func (r *fakeRegistry) RegisteredEntityTypes() []string                        { return r.entityTypes }
func (r *fakeRegistry) IsCustomEntity(entityType string) bool                  { return false }

func TestSummarizeRollsUpCoverageAndJobsPerEntity(t *testing.T) {
	coverageStore := memory.NewCoverageStore()
	base := memory.NewBaseTable()
	acct := coverage.New(coverageStore, base, nil, time.Hour, time.Hour)
	jobStore := memory.NewJobStore()
	registry := &fakeRegistry{entityTypes: []string{"crm:account"}}
	agg := New(registry, acct, jobStore, time.Minute)

	key := model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t1"}
	base10, indexed10 := int64(10), int64(10)
	if err := coverageStore.Write(context.Background(), key, &base10, &indexed10, nil); err != nil {
		t.Fatalf("seed coverage: %v", err)
	}

	tenantID := "t1"
	scope := model.JobScope{EntityType: "crm:account", TenantID: &tenantID}
	if err := jobStore.Prepare(context.Background(), scope, model.JobStatusReindexing, 10); err != nil {
		t.Fatalf("prepare job: %v", err)
	}
	if err := jobStore.UpdateProgress(context.Background(), scope, 4); err != nil {
		t.Fatalf("progress: %v", err)
	}

	statuses, err := agg.Summarize(context.Background(), "t1", nil, false)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 entity status, got %d", len(statuses))
	}
	s := statuses[0]
	if !s.HasCoverage || s.Coverage.IndexedCount != 10 {
		t.Fatalf("expected coverage snapshot to be rolled up, got %+v", s)
	}
	if s.AggregateStatus != "reindexing" {
		t.Fatalf("expected aggregate status reindexing for an active job, got %q", s.AggregateStatus)
	}
	if s.ProcessedCount != 4 || s.TotalCount != 10 {
		t.Fatalf("expected processed=4 total=10, got processed=%d total=%d", s.ProcessedCount, s.TotalCount)
	}
}

func TestSummarizeReportsIdleWhenAllJobsCompleted(t *testing.T) {
	coverageStore := memory.NewCoverageStore()
	base := memory.NewBaseTable()
	acct := coverage.New(coverageStore, base, nil, time.Hour, time.Hour)
	jobStore := memory.NewJobStore()
	registry := &fakeRegistry{entityTypes: []string{"crm:account"}}
	agg := New(registry, acct, jobStore, time.Minute)

	tenantID := "t1"
	scope := model.JobScope{EntityType: "crm:account", TenantID: &tenantID}
	if err := jobStore.Prepare(context.Background(), scope, model.JobStatusReindexing, 5); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := jobStore.Finalize(context.Background(), scope); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	statuses, err := agg.Summarize(context.Background(), "t1", nil, false)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if statuses[0].AggregateStatus != "idle" {
		t.Fatalf("expected idle once the only job is completed, got %q", statuses[0].AggregateStatus)
	}
	if statuses[0].Partitions[0].Status != PartitionCompleted {
		t.Fatalf("expected the partition summary to report completed, got %+v", statuses[0].Partitions[0])
	}
}

func TestSummarizeDetectsStalledPartitions(t *testing.T) {
	coverageStore := memory.NewCoverageStore()
	base := memory.NewBaseTable()
	acct := coverage.New(coverageStore, base, nil, time.Hour, time.Hour)
	jobStore := memory.NewJobStore()
	registry := &fakeRegistry{entityTypes: []string{"crm:account"}}
	agg := New(registry, acct, jobStore, time.Millisecond)

	tenantID := "t1"
	scope := model.JobScope{EntityType: "crm:account", TenantID: &tenantID}
	if err := jobStore.Prepare(context.Background(), scope, model.JobStatusReindexing, 5); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	statuses, err := agg.Summarize(context.Background(), "t1", nil, false)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if statuses[0].AggregateStatus != "stalled" {
		t.Fatalf("expected aggregate status stalled, got %q", statuses[0].AggregateStatus)
	}
}

func TestSummarizeWithNoRegisteredEntitiesReturnsEmpty(t *testing.T) {
	coverageStore := memory.NewCoverageStore()
	base := memory.NewBaseTable()
	acct := coverage.New(coverageStore, base, nil, time.Hour, time.Hour)
	jobStore := memory.NewJobStore()
	registry := &fakeRegistry{}
	agg := New(registry, acct, jobStore, time.Minute)

	statuses, err := agg.Summarize(context.Background(), "t1", nil, false)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no entity statuses, got %+v", statuses)
	}
}

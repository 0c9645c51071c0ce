package reindex

import (
	"context"
	"testing"

	"github.com/openmercato/queryindex/internal/queryindex/batch"
	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/jobs"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

type testHarness struct {
	reindexer *Reindexer
	base      *memory.BaseTable
	indexes   *memory.IndexStore
	jobs      *memory.JobStore
}

func newTestHarness() testHarness {
	base := memory.NewBaseTable()
	cf := memory.NewCustomFields()
	indexStore := memory.NewIndexStore()
	tokenStore := memory.NewTokenStore()
	coverageStore := memory.NewCoverageStore()
	jobStore := memory.NewJobStore()

	b := builder.New(base, cf, cf)
	tok := tokens.New(tokenStore, tokens.Config{})
	upserter := batch.New(b, indexStore, tok)
	acct := coverage.New(coverageStore, base, nil, 0, 0)
	ledger := jobs.New(jobStore, 0)

	r := New(base, indexStore, upserter, acct, ledger, nil, nil)
	return testHarness{reindexer: r, base: base, indexes: indexStore, jobs: jobStore}
}

func TestRunIndexesEveryBaseRow(t *testing.T) {
	h := newTestHarness()
	h.base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})
	h.base.Seed("crm:account", ports.BaseRow{"id": "r2", "tenant_id": "t1", "name": "Beta"})
	h.base.Seed("crm:account", ports.BaseRow{"id": "r3", "tenant_id": "t2", "name": "Gamma"})

	result, err := h.reindexer.Run(context.Background(), "crm:account", "t1", nil, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalCount != 2 {
		t.Fatalf("expected total count 2, got %d", result.TotalCount)
	}
	if result.ProcessedCount != 2 {
		t.Fatalf("expected processed count 2, got %d", result.ProcessedCount)
	}

	row, ok, err := h.indexes.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get r1: %v", err)
	}
	if !ok {
		t.Fatalf("expected r1 indexed")
	}
	if row.Doc["name"] != "Acme" {
		t.Fatalf("expected indexed doc name=Acme, got %+v", row.Doc)
	}
}

func TestRunRejectsMissingEntityTypeOrTenant(t *testing.T) {
	h := newTestHarness()

	if _, err := h.reindexer.Run(context.Background(), "", "t1", nil, Options{}); err == nil {
		t.Fatalf("expected error for missing entityType")
	}
	if _, err := h.reindexer.Run(context.Background(), "crm:account", "", nil, Options{}); err == nil {
		t.Fatalf("expected error for missing tenantId")
	}
}

func TestRunSkipsWhenAnActiveJobExistsAndNotForced(t *testing.T) {
	h := newTestHarness()
	h.base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})

	scope := model.JobScope{EntityType: "crm:account", TenantID: strPtr("t1")}
	if err := h.jobs.Prepare(context.Background(), scope, model.JobStatusReindexing, 1); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result, err := h.reindexer.Run(context.Background(), "crm:account", "t1", nil, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected run to be skipped due to active job")
	}
}

func TestRunForcesThroughAnActiveJob(t *testing.T) {
	h := newTestHarness()
	h.base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})

	scope := model.JobScope{EntityType: "crm:account", TenantID: strPtr("t1")}
	if err := h.jobs.Prepare(context.Background(), scope, model.JobStatusReindexing, 1); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	result, err := h.reindexer.Run(context.Background(), "crm:account", "t1", nil, Options{Force: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Skipped {
		t.Fatalf("expected force to bypass the active-job guard")
	}
}

func TestRunRejectsOutOfRangePartitionIndex(t *testing.T) {
	h := newTestHarness()

	_, err := h.reindexer.Run(context.Background(), "crm:account", "t1", nil, Options{PartitionCount: 4, PartitionIndex: 4})
	if err == nil {
		t.Fatalf("expected error for out-of-range partition index")
	}
}

func TestPartitionOfIsDeterministic(t *testing.T) {
	a := PartitionOf("record-1", 8)
	b := PartitionOf("record-1", 8)
	if a != b {
		t.Fatalf("expected deterministic partition assignment, got %d and %d", a, b)
	}
	if PartitionOf("record-1", 1) != 0 {
		t.Fatalf("expected partitionCount<=1 to always assign bucket 0")
	}
}

func strPtr(s string) *string { return &s }

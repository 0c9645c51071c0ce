package coverage

import (
	"context"
	"testing"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

type stubVectorCounter struct {
	count int64
	err   error
}

func (s stubVectorCounter) Count(ctx context.Context, entityType, tenantID string) (int64, error) {
	return s.count, s.err
}

func TestRefreshSnapshotCountsBaseRowsPerTenant(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", map[string]any{"id": "r1", "tenant_id": "t1"})
	base.Seed("crm:account", map[string]any{"id": "r2", "tenant_id": "t1"})
	base.Seed("crm:account", map[string]any{"id": "r3", "tenant_id": "t2"})

	store := memory.NewCoverageStore()
	acct := New(store, base, nil, time.Minute, time.Minute)

	if err := acct.RefreshSnapshot(context.Background(), "crm:account", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("refresh snapshot: %v", err)
	}

	key := model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t1"}
	row, ok, err := acct.ReadSnapshot(context.Background(), key)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if row.BaseCount != 2 {
		t.Fatalf("expected base count 2, got %d", row.BaseCount)
	}
}

func TestRefreshSnapshotIncludesVectorCountWhenAvailable(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", map[string]any{"id": "r1", "tenant_id": "t1"})

	store := memory.NewCoverageStore()
	acct := New(store, base, stubVectorCounter{count: 7}, time.Minute, time.Minute)

	if err := acct.RefreshSnapshot(context.Background(), "crm:account", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("refresh snapshot: %v", err)
	}

	key := model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t1"}
	row, _, err := acct.ReadSnapshot(context.Background(), key)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if row.VectorIndexedCount != 7 {
		t.Fatalf("expected vector count 7, got %d", row.VectorIndexedCount)
	}
}

func TestRefreshSnapshotToleratesVectorCounterFailure(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", map[string]any{"id": "r1", "tenant_id": "t1"})

	store := memory.NewCoverageStore()
	acct := New(store, base, stubVectorCounter{err: context.DeadlineExceeded}, time.Minute, time.Minute)

	if err := acct.RefreshSnapshot(context.Background(), "crm:account", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("refresh snapshot should not fail on vector error: %v", err)
	}
}

func TestApplyAdjustmentsDropsZeroSumAndClampsAtZero(t *testing.T) {
	store := memory.NewCoverageStore()
	acct := New(store, memory.NewBaseTable(), nil, time.Minute, time.Minute)

	scopeA := model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t1"}
	scopeB := model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t2"}

	adjustments := []model.CoverageAdjustment{
		{Scope: scopeA, DeltaBase: 1, DeltaIndex: -1},
		{Scope: scopeA, DeltaBase: -1, DeltaIndex: 1}, // aggregates to zero-sum, dropped
		{Scope: scopeB, DeltaIndex: -5},               // clamps at zero
	}
	if err := acct.ApplyAdjustments(context.Background(), adjustments); err != nil {
		t.Fatalf("apply adjustments: %v", err)
	}

	rowA, ok, err := acct.ReadSnapshot(context.Background(), scopeA)
	if err != nil {
		t.Fatalf("read snapshot a: %v", err)
	}
	if ok {
		t.Fatalf("expected zero-sum adjustment to be dropped, got row: %+v", rowA)
	}

	rowB, ok, err := acct.ReadSnapshot(context.Background(), scopeB)
	if err != nil {
		t.Fatalf("read snapshot b: %v", err)
	}
	if !ok {
		t.Fatalf("expected scope b row to exist")
	}
	if rowB.IndexedCount != 0 {
		t.Fatalf("expected indexed count clamped at 0, got %d", rowB.IndexedCount)
	}
}

func TestShouldResetHonorsThrottleAndForce(t *testing.T) {
	acct := New(memory.NewCoverageStore(), memory.NewBaseTable(), nil, time.Minute, time.Minute)

	now := time.Now()
	if !acct.ShouldReset("scope-a", now, false) {
		t.Fatalf("expected first reset to be allowed")
	}
	acct.MarkReset("scope-a", now)

	if acct.ShouldReset("scope-a", now.Add(time.Second), false) {
		t.Fatalf("expected reset to be throttled shortly after")
	}
	if !acct.ShouldReset("scope-a", now.Add(time.Second), true) {
		t.Fatalf("expected force to bypass throttle")
	}
	if !acct.ShouldReset("scope-a", now.Add(2*time.Minute), false) {
		t.Fatalf("expected reset to be allowed again after the window elapses")
	}
}

func TestIsStale(t *testing.T) {
	acct := New(memory.NewCoverageStore(), memory.NewBaseTable(), nil, time.Minute, time.Minute)

	row := model.CoverageRow{RefreshedAt: time.Now().Add(-2 * time.Minute)}
	if !acct.IsStale(row, time.Now()) {
		t.Fatalf("expected row to be stale")
	}

	fresh := model.CoverageRow{RefreshedAt: time.Now()}
	if acct.IsStale(fresh, time.Now()) {
		t.Fatalf("expected fresh row to not be stale")
	}
}

package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

func TestPrepareThenUpdateProgressThenFinalize(t *testing.T) {
	store := memory.NewJobStore()
	ledger := New(store, time.Minute)

	scope := model.JobScope{EntityType: "crm:account"}
	if err := ledger.Prepare(context.Background(), scope, model.JobStatusReindexing, 10); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	job, ok, err := ledger.ActiveJob(context.Background(), scope)
	if err != nil {
		t.Fatalf("active job: %v", err)
	}
	if !ok {
		t.Fatalf("expected an active job after prepare")
	}
	if job.TotalCount != 10 || job.ProcessedCount != 0 {
		t.Fatalf("unexpected job state: %+v", job)
	}

	if err := ledger.UpdateProgress(context.Background(), scope, 4); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	job, _, _ = ledger.ActiveJob(context.Background(), scope)
	if job.ProcessedCount != 4 {
		t.Fatalf("expected processed count 4, got %d", job.ProcessedCount)
	}

	if err := ledger.Finalize(context.Background(), scope); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, ok, err = ledger.ActiveJob(context.Background(), scope)
	if err != nil {
		t.Fatalf("active job after finalize: %v", err)
	}
	if ok {
		t.Fatalf("expected no active job after finalize")
	}
}

func TestUpdateProgressClampsNegativeDeltaToZero(t *testing.T) {
	store := memory.NewJobStore()
	ledger := New(store, time.Minute)
	scope := model.JobScope{EntityType: "crm:account"}

	if err := ledger.Prepare(context.Background(), scope, model.JobStatusReindexing, 10); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := ledger.UpdateProgress(context.Background(), scope, -5); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	job, _, _ := ledger.ActiveJob(context.Background(), scope)
	if job.ProcessedCount != 0 {
		t.Fatalf("expected negative delta clamped to 0, got %d", job.ProcessedCount)
	}
}

func TestIsStalled(t *testing.T) {
	ledger := New(memory.NewJobStore(), time.Minute)

	now := time.Now()
	job := model.IndexJob{HeartbeatAt: now.Add(-2 * time.Minute)}
	if !ledger.IsStalled(job, now) {
		t.Fatalf("expected job to be stalled")
	}

	job.FinishedAt = &now
	if ledger.IsStalled(job, now) {
		t.Fatalf("a finished job is never stalled")
	}
}

func TestRunFinalizesEvenWhenFnFails(t *testing.T) {
	store := memory.NewJobStore()
	ledger := New(store, time.Minute)
	scope := model.JobScope{EntityType: "crm:account"}

	boom := errors.New("boom")
	err := ledger.Run(context.Background(), scope, model.JobStatusReindexing, 5, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected Run to surface fn's error, got %v", err)
	}

	_, ok, activeErr := ledger.ActiveJob(context.Background(), scope)
	if activeErr != nil {
		t.Fatalf("active job: %v", activeErr)
	}
	if ok {
		t.Fatalf("expected job finalized (no longer active) even though fn failed")
	}
}

func TestRunPropagatesSuccess(t *testing.T) {
	store := memory.NewJobStore()
	ledger := New(store, time.Minute)
	scope := model.JobScope{EntityType: "crm:account"}

	called := false
	err := ledger.Run(context.Background(), scope, model.JobStatusReindexing, 5, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !called {
		t.Fatalf("expected fn to be called")
	}
}

// Package jobs implements the Job Ledger, per spec.md §4.F.
package jobs

import (
	"context"
	"time"

	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// Ledger implements the prepare/updateProgress/finalize job lifecycle.
type Ledger struct {
	store       ports.JobStore
	staleAfter  time.Duration
	log         *logger.Logger
}

// New constructs a Ledger.
func New(store ports.JobStore, staleAfter time.Duration) *Ledger {
	return &Ledger{store: store, staleAfter: staleAfter, log: logger.NewDefault("queryindex.jobs")}
}

// Prepare upserts the single active row for scope: started_at/heartbeat_at
// set to now, processed_count=0, finished_at=null.
func (l *Ledger) Prepare(ctx context.Context, scope model.JobScope, status model.JobStatus, totalCount int64) error {
	return l.store.Prepare(ctx, scope, status, totalCount)
}

// UpdateProgress increments processed_count by max(0, delta) and refreshes
// the heartbeat.
func (l *Ledger) UpdateProgress(ctx context.Context, scope model.JobScope, delta int64) error {
	if delta < 0 {
		delta = 0
	}
	return l.store.UpdateProgress(ctx, scope, delta)
}

// Finalize sets finished_at=now and refreshes the heartbeat.
func (l *Ledger) Finalize(ctx context.Context, scope model.JobScope) error {
	return l.store.Finalize(ctx, scope)
}

// ActiveJob returns the open job for scope, if any. Callers use this for
// the reindexer's exclusivity preflight (spec.md §4.F: "Exclusivity").
func (l *Ledger) ActiveJob(ctx context.Context, scope model.JobScope) (model.IndexJob, bool, error) {
	return l.store.ActiveJob(ctx, scope)
}

// IsStalled reports whether job is unfinished and its heartbeat has not
// been refreshed within the configured staleness window. Stalled jobs are
// surfaced by read-only aggregators; the ledger never reaps them
// automatically.
func (l *Ledger) IsStalled(job model.IndexJob, now time.Time) bool {
	return job.Stalled(now, l.staleAfter)
}

// Run executes fn as a prepare/finalize-guarded unit of work: Prepare is
// called first, then fn, then Finalize unconditionally (even if fn fails),
// mirroring spec.md §4.G step 10's try/finally around the reindex pass.
func (l *Ledger) Run(ctx context.Context, scope model.JobScope, status model.JobStatus, totalCount int64, fn func(ctx context.Context) error) error {
	if err := l.Prepare(ctx, scope, status, totalCount); err != nil {
		return err
	}
	err := fn(ctx)
	if finalizeErr := l.Finalize(ctx, scope); finalizeErr != nil && err == nil {
		err = finalizeErr
	}
	return err
}

// Package purge implements the scope-wide soft-delete operation, per
// spec.md §4.H.
package purge

import (
	"context"

	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/jobs"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// Purger implements the Purger contract.
type Purger struct {
	indexes ports.IndexStore
	ledger  *jobs.Ledger
	log     *logger.Logger
}

// New constructs a Purger.
func New(indexes ports.IndexStore, ledger *jobs.Ledger) *Purger {
	return &Purger{indexes: indexes, ledger: ledger, log: logger.NewDefault("queryindex.purge")}
}

// Result reports how many rows were soft-deleted.
type Result struct {
	Affected int64
}

// Run soft-deletes every matching IndexRow in scope, tracking progress
// through the Job Ledger. It does not touch coverage directly; a follow-up
// refresh is expected from the event handler that invoked it (spec.md
// §4.H).
func (p *Purger) Run(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (Result, error) {
	jobScope := model.JobScope{EntityType: entityType, OrganizationID: organizationID, TenantID: &tenantID}

	var result Result
	err := p.ledger.Run(ctx, jobScope, model.JobStatusPurging, 0, func(ctx context.Context) error {
		affected, err := p.indexes.SoftDeleteByScope(ctx, entityType, tenantID, organizationID)
		if err != nil {
			return err
		}
		result.Affected = affected
		return p.ledger.UpdateProgress(ctx, jobScope, affected)
	})
	return result, err
}

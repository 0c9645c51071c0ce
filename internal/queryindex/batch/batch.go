// Package batch implements the vectorized upsert path used by the
// Reindexer and bulk event handlers, per spec.md §4.D.
package batch

import (
	"fmt"

	"context"

	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
)

// ScopeOverride forces a tenant/organization for every row in a call,
// spec.md §4.D point 1.
type ScopeOverride struct {
	TenantID       *string
	OrganizationID *string
}

// DeriveScope computes a row's effective organization id from its base row
// when no override and no column value applies (spec.md §4.D point 2, e.g.
// "organization is the row's own id for directory:organization").
type DeriveScope func(entityType model.EntityType, row ports.BaseRow) (organizationID *string, ok bool)

// Options configures a single Upsert call.
type Options struct {
	Override    *ScopeOverride
	Derive      DeriveScope
	RecordIDKey string // defaults to "id"
}

// Upserter implements the Batch Upserter contract.
type Upserter struct {
	builder *builder.Builder
	store   ports.IndexBatchStore
	tokens  *tokens.Extractor
	log     *logger.Logger
}

// New constructs an Upserter.
func New(b *builder.Builder, store ports.IndexBatchStore, tok *tokens.Extractor) *Upserter {
	return &Upserter{builder: b, store: store, tokens: tok, log: logger.NewDefault("queryindex.batch")}
}

// Result reports how many rows were written.
type Result struct {
	Upserted int
}

// Upsert builds and writes every row in a single statement (when the
// coalesced-column unique index exists) or falls back to a per-row
// update-then-insert transaction. Token-extraction failures are logged but
// do not fail the upsert (spec.md §4.D last paragraph).
func (u *Upserter) Upsert(ctx context.Context, entityType model.EntityType, rows []ports.BaseRow, fallbackScope model.Scope, opts Options) (Result, error) {
	if len(rows) == 0 {
		return Result{}, nil
	}
	recordIDKey := opts.RecordIDKey
	if recordIDKey == "" {
		recordIDKey = "id"
	}

	byID := make(map[string]ports.BaseRow, len(rows))
	scopeByID := make(map[string]model.Scope, len(rows))
	for _, row := range rows {
		id, err := recordID(row, recordIDKey)
		if err != nil {
			u.log.WithField("entityType", entityType).WithError(err).Warn("skipping row with unresolvable record id")
			continue
		}
		byID[id] = row
		scopeByID[id] = u.effectiveScope(entityType, row, fallbackScope, opts)
	}
	if len(byID) == 0 {
		return Result{}, nil
	}

	// Custom-field/translation fetch is batched in one BuildBatch pass;
	// rows in this call share a reindex scope in practice. The cf:/l10n:
	// visibility rule is evaluated against fallbackScope for every row,
	// not against each row's effective scope, so an override or a
	// row-derived organization does not change which layers are merged.
	built, err := u.builder.BuildBatch(ctx, entityType, byID, fallbackScope)
	if err != nil {
		return Result{}, err
	}

	batchRows := make([]ports.BatchUpsertRow, 0, len(built))
	docsForTokens := make(map[string]map[string]any, len(built))
	for _, b := range built {
		scope := scopeByID[b.RecordID]
		batchRows = append(batchRows, ports.BatchUpsertRow{
			RecordID:       b.RecordID,
			TenantID:       scope.TenantID,
			OrganizationID: scope.OrganizationID,
			Doc:            b.Doc,
		})
		docsForTokens[b.RecordID] = b.Doc
	}

	if err := u.store.UpsertMany(ctx, entityType, batchRows); err != nil {
		return Result{}, err
	}

	if err := u.tokens.ReplaceForBatch(ctx, entityType, fallbackScope, docsForTokens); err != nil {
		u.log.WithField("entityType", entityType).WithError(err).Warn("batch token replacement failed")
	}

	return Result{Upserted: len(batchRows)}, nil
}

func (u *Upserter) effectiveScope(entityType model.EntityType, row ports.BaseRow, fallback model.Scope, opts Options) model.Scope {
	if opts.Override != nil {
		scope := fallback
		if opts.Override.TenantID != nil {
			scope.TenantID = *opts.Override.TenantID
		}
		if opts.Override.OrganizationID != nil {
			scope.OrganizationID = opts.Override.OrganizationID
		}
		return scope
	}
	if opts.Derive != nil {
		if orgID, ok := opts.Derive(entityType, row); ok {
			scope := fallback
			scope.OrganizationID = orgID
			return scope
		}
	}
	scope := fallback
	if v, ok := row["organization_id"]; ok {
		if s, ok := stringPtr(v); ok {
			scope.OrganizationID = s
		}
	}
	if v, ok := row["tenant_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			scope.TenantID = s
		}
	}
	return scope
}

func recordID(row ports.BaseRow, key string) (string, error) {
	v, ok := row[key]
	if !ok {
		return "", fmt.Errorf("queryindex: row missing %q column", key)
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func stringPtr(v any) (*string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, true
		}
		return &t, true
	case *string:
		return t, true
	default:
		return nil, false
	}
}

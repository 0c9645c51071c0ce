// Package indexer implements the single-record upsert/delete path, per
// spec.md §4.C.
package indexer

import (
	"context"
	"errors"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
)

// Indexer fuses the Document Builder, IndexStore, and Token Extractor into
// the single-record upsert/delete contract consumed by event handlers and
// the CLI.
type Indexer struct {
	builder *builder.Builder
	store   ports.IndexStore
	tokens  *tokens.Extractor
	decrypt eventbus.DecryptHook
	log     *logger.Logger
}

// New constructs an Indexer.
func New(b *builder.Builder, store ports.IndexStore, tok *tokens.Extractor, decrypt eventbus.DecryptHook) *Indexer {
	return &Indexer{builder: b, store: store, tokens: tok, decrypt: decrypt, log: logger.NewDefault("queryindex.indexer")}
}

// Upsert builds, stores, and tokenizes recordID's current document. If the
// base row is missing it deletes any existing IndexRow instead.
func (idx *Indexer) Upsert(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) (model.TransitionFlags, error) {
	doc, err := idx.builder.Build(ctx, entityType, recordID, scope)
	if err != nil {
		var missing builder.ErrBaseRowMissing
		if errors.As(err, &missing) {
			existing, ok, _ := idx.store.Get(ctx, entityType, recordID, scope.OrganizationIDCoalesced())
			if _, delErr := idx.markDeleted(ctx, entityType, recordID, scope); delErr != nil {
				return model.TransitionFlags{}, delErr
			}
			flags := model.TransitionFlags{Existed: ok, WasDeleted: ok && existing.IsDeleted()}
			return flags, nil
		}
		return model.TransitionFlags{}, err
	}

	existing, existed, _ := idx.store.Get(ctx, entityType, recordID, scope.OrganizationIDCoalesced())

	row := model.IndexRow{
		EntityType:     entityType,
		RecordID:       recordID,
		TenantID:       scope.TenantID,
		OrganizationID: scope.OrganizationID,
		Doc:            doc,
	}

	flags, err := idx.store.Upsert(ctx, row)
	if err != nil {
		return model.TransitionFlags{}, err
	}
	if existed {
		flags.Existed = true
		flags.WasDeleted = existing.IsDeleted()
		flags.Revived = existing.IsDeleted()
	} else {
		flags.Created = true
	}

	tokenDoc := doc
	if idx.decrypt != nil {
		if decrypted, err := idx.decrypt(ctx, doc); err != nil {
			idx.log.WithField("entityType", entityType).WithError(err).Warn("search-decrypt hook failed, tokenizing stored document")
		} else {
			tokenDoc = decrypted
		}
	}

	if err := idx.tokens.ReplaceForRecord(ctx, entityType, recordID, scope, tokenDoc); err != nil {
		idx.log.WithField("entityType", entityType).WithField("recordID", recordID).WithError(err).Warn("token replacement failed")
	}

	return flags, nil
}

// Delete removes recordID's document and tokens outright (the CRUD bridge's
// delete path, distinct from markDeleted's narrower return value).
func (idx *Indexer) Delete(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) error {
	_, err := idx.markDeleted(ctx, entityType, recordID, scope)
	return err
}

// markDeleted physically removes the IndexRow and its tokens, reporting
// whether an active (non-deleted) row was removed so the Coverage
// Accountant can decrement the index count only in that case.
func (idx *Indexer) markDeleted(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) (wasActive bool, err error) {
	existing, ok, _ := idx.store.Get(ctx, entityType, recordID, scope.OrganizationIDCoalesced())
	wasActive = ok && !existing.IsDeleted()

	if _, err := idx.store.Delete(ctx, entityType, recordID, scope.OrganizationIDCoalesced()); err != nil {
		return false, err
	}
	if err := idx.tokens.ReplaceForRecord(ctx, entityType, recordID, scope, nil); err != nil {
		idx.log.WithField("entityType", entityType).WithField("recordID", recordID).WithError(err).Warn("token cleanup failed")
	}
	return wasActive, nil
}

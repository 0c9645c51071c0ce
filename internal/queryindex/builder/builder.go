// Package builder fuses a base row with custom fields and translations into
// the JSON document stored in entity_indexes, per spec.md §4.A.
package builder

import (
	"context"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// compositeParents maps a composite entity type to the parent lookup it
// needs merged underneath it (spec.md §4.A point 2). Populated by callers
// that know their entity taxonomy; the zero value disables the feature.
type compositeParents map[model.EntityType]bool

// Builder implements the Document Builder contract.
type Builder struct {
	base        ports.BaseTableReader
	parents     ports.ParentRowFetcher
	customField ports.CustomFieldReader
	translation ports.TranslationReader
	encrypt     eventbus.EncryptHook
	composites  compositeParents
	log         *logger.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithParentFetcher enables composite-entity parent merging for the given
// entity types.
func WithParentFetcher(f ports.ParentRowFetcher, composites []model.EntityType) Option {
	return func(b *Builder) {
		b.parents = f
		for _, et := range composites {
			b.composites[et] = true
		}
	}
}

// WithEncryptHook installs the optional storage-encrypt hook.
func WithEncryptHook(hook eventbus.EncryptHook) Option {
	return func(b *Builder) { b.encrypt = hook }
}

// WithLogger overrides the default logger.
func WithLogger(log *logger.Logger) Option {
	return func(b *Builder) { b.log = log }
}

// New constructs a Builder.
func New(base ports.BaseTableReader, cf ports.CustomFieldReader, tr ports.TranslationReader, opts ...Option) *Builder {
	b := &Builder{
		base:        base,
		customField: cf,
		translation: tr,
		composites:  make(compositeParents),
		log:         logger.NewDefault("queryindex.builder"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ErrBaseRowMissing is returned by Build when the base row does not exist;
// callers (the Indexer) must treat this as "remove any existing IndexRow",
// not as a hard failure.
type ErrBaseRowMissing struct {
	EntityType model.EntityType
	RecordID   string
}

func (e ErrBaseRowMissing) Error() string {
	return "queryindex: base row missing for " + string(e.EntityType) + "/" + e.RecordID
}

// Build produces the layered document for (entityType, recordId, scope), or
// ErrBaseRowMissing if the base row is absent.
func (b *Builder) Build(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) (map[string]any, error) {
	row, ok, err := b.base.GetRow(ctx, entityType, recordID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBaseRowMissing{EntityType: entityType, RecordID: recordID}
	}

	doc := make(map[string]any, len(row))

	if b.composites[entityType] && b.parents != nil {
		if parent, ok, err := b.parents.GetParentRow(ctx, entityType, recordID); err != nil {
			b.log.WithField("entityType", entityType).WithError(err).Warn("parent row lookup failed, skipping layer")
		} else if ok {
			for k, v := range parent {
				doc[k] = v
			}
		}
	}

	// Base row always wins over the parent layer (layering order in 4.A).
	for k, v := range row {
		doc[k] = v
	}

	b.mergeCustomFields(ctx, entityType, recordID, scope, doc)
	b.mergeTranslations(ctx, entityType, recordID, scope, doc)

	if b.encrypt != nil {
		encrypted, err := b.encrypt(ctx, doc)
		if err != nil {
			// Swallowed by design: indexing must stay available when the
			// encryption service is down (spec.md §4.A, flagged in §9).
			b.log.WithField("entityType", entityType).WithError(err).Warn("storage-encrypt hook failed, storing plaintext")
		} else {
			doc = encrypted
		}
	}

	return doc, nil
}

func (b *Builder) mergeCustomFields(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, doc map[string]any) {
	values, err := b.customField.GetValues(ctx, entityType, recordID)
	if err != nil {
		b.log.WithField("entityType", entityType).WithError(err).Warn("custom field lookup failed, skipping layer")
		return
	}

	byKey := make(map[string][]any, len(values))
	for _, v := range values {
		if !visibleAt(v.FieldOrgID, v.FieldTenantID, scope) {
			continue
		}
		byKey[v.FieldKey] = append(byKey[v.FieldKey], v.Value)
	}
	for key, vals := range byKey {
		if len(vals) == 1 {
			doc["cf:"+key] = vals[0]
		} else {
			doc["cf:"+key] = vals
		}
	}
}

func (b *Builder) mergeTranslations(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, doc map[string]any) {
	translations, err := b.translation.GetTranslations(ctx, entityType, recordID, scope.TenantID, scope.OrganizationID)
	if err != nil {
		b.log.WithField("entityType", entityType).WithError(err).Warn("translation lookup failed, skipping layer")
		return
	}
	for _, t := range translations {
		doc["l10n:"+t.Locale+":"+t.Field] = t.Value
	}
}

// visibleAt implements spec.md §4.A point 3's visibility rule: a value with
// (fieldOrg, fieldTenant) is visible at (scopeOrg, scopeTenant) iff
// fieldOrg ∈ {null, scopeOrg} and fieldTenant ∈ {null, scopeTenant}.
func visibleAt(fieldOrg, fieldTenant *string, scope model.Scope) bool {
	if fieldOrg != nil {
		if scope.OrganizationID == nil || *fieldOrg != *scope.OrganizationID {
			return false
		}
	}
	if fieldTenant != nil && *fieldTenant != scope.TenantID {
		return false
	}
	return true
}

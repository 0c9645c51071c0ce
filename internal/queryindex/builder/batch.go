package builder

import (
	"context"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// BuiltRow is one row produced by BuildBatch, keyed by recordID.
type BuiltRow struct {
	RecordID string
	Doc      map[string]any
}

// BuildBatch fuses base rows already fetched by the caller (the Batch
// Upserter owns the scan) with a single batched custom-field fetch and
// per-record parent pre-fetch, per spec.md §4.D. rows maps recordID to its
// base row.
func (b *Builder) BuildBatch(ctx context.Context, entityType model.EntityType, rows map[string]ports.BaseRow, scope model.Scope) ([]BuiltRow, error) {
	recordIDs := make([]string, 0, len(rows))
	for id := range rows {
		recordIDs = append(recordIDs, id)
	}

	cfByRecord, err := b.customField.GetValuesBatch(ctx, entityType, recordIDs)
	if err != nil {
		b.log.WithField("entityType", entityType).WithError(err).Warn("batched custom field lookup failed, skipping layer")
		cfByRecord = nil
	}

	var parentByRecord map[string]ports.BaseRow
	if b.composites[entityType] && b.parents != nil {
		parentByRecord = make(map[string]ports.BaseRow, len(recordIDs))
		for _, id := range recordIDs {
			if parent, ok, err := b.parents.GetParentRow(ctx, entityType, id); err == nil && ok {
				parentByRecord[id] = parent
			}
		}
	}

	out := make([]BuiltRow, 0, len(rows))
	for id, row := range rows {
		doc := make(map[string]any, len(row))
		if parent, ok := parentByRecord[id]; ok {
			for k, v := range parent {
				doc[k] = v
			}
		}
		for k, v := range row {
			doc[k] = v
		}

		byKey := make(map[string][]any)
		for _, v := range cfByRecord[id] {
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

		translations, err := b.translation.GetTranslations(ctx, entityType, id, scope.TenantID, scope.OrganizationID)
		if err != nil {
			b.log.WithField("entityType", entityType).WithError(err).Warn("translation lookup failed, skipping layer")
		} else {
			for _, t := range translations {
				doc["l10n:"+t.Locale+":"+t.Field] = t.Value
			}
		}

		if b.encrypt != nil {
			if encrypted, err := b.encrypt(ctx, doc); err != nil {
				b.log.WithField("entityType", entityType).WithError(err).Warn("storage-encrypt hook failed, storing plaintext")
			} else {
				doc = encrypted
			}
		}

		out = append(out, BuiltRow{RecordID: id, Doc: doc})
	}
	return out, nil
}

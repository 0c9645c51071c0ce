package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// CustomFieldStore implements ports.CustomFieldReader and
// ports.TranslationReader against custom_field_values and
// record_translations, the generic out-of-schema-attribute tables the rest
// of the application writes to (spec.md glossary: "Custom field").
type CustomFieldStore struct {
	*BaseStore
}

// NewCustomFieldStore constructs a CustomFieldStore.
func NewCustomFieldStore(base *BaseStore) *CustomFieldStore { return &CustomFieldStore{BaseStore: base} }

type customFieldRowScan struct {
	FieldKey       string         `db:"field_key"`
	Value          sql.NullString `db:"value_text"`
	OrganizationID sql.NullString `db:"organization_id"`
	TenantID       sql.NullString `db:"tenant_id"`
}

// GetValues returns every custom-field value attached to recordID,
// regardless of scope visibility; callers apply the visibility rule.
func (s *CustomFieldStore) GetValues(ctx context.Context, entityType model.EntityType, recordID string) ([]ports.CustomFieldValue, error) {
	const q = `SELECT cfv.field_key, cfv.value_text, cfv.organization_id, cfv.tenant_id
		FROM custom_field_values cfv
		JOIN custom_field_definitions cfd ON cfd.entity_type = cfv.entity_type AND cfd.field_key = cfv.field_key AND cfd.active
		WHERE cfv.entity_type = $1 AND cfv.record_id = $2`

	var rows []customFieldRowScan
	if err := s.Querier(ctx).SelectContext(ctx, &rows, q, entityType.String(), recordID); err != nil {
		return nil, fmt.Errorf("read custom field values: %w", err)
	}
	return toCustomFieldValues(rows), nil
}

// GetValuesBatch is the batched form used by the Batch Upserter.
func (s *CustomFieldStore) GetValuesBatch(ctx context.Context, entityType model.EntityType, recordIDs []string) (map[string][]ports.CustomFieldValue, error) {
	const q = `SELECT cfv.record_id, cfv.field_key, cfv.value_text, cfv.organization_id, cfv.tenant_id
		FROM custom_field_values cfv
		JOIN custom_field_definitions cfd ON cfd.entity_type = cfv.entity_type AND cfd.field_key = cfv.field_key AND cfd.active
		WHERE cfv.entity_type = $1 AND cfv.record_id = ANY($2)`

	rows, err := s.Querier(ctx).QueryxContext(ctx, q, entityType.String(), pq.Array(recordIDs))
	if err != nil {
		return nil, fmt.Errorf("read custom field values batch: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ports.CustomFieldValue)
	for rows.Next() {
		var r struct {
			RecordID string `db:"record_id"`
			customFieldRowScan
		}
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan custom field value row: %w", err)
		}
		out[r.RecordID] = append(out[r.RecordID], toCustomFieldValue(r.customFieldRowScan))
	}
	return out, rows.Err()
}

// HasActiveDefinition reports whether entityType has at least one active
// custom-field definition visible at scope.
func (s *CustomFieldStore) HasActiveDefinition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (bool, error) {
	const q = `SELECT EXISTS (
		SELECT 1 FROM custom_field_definitions
		WHERE entity_type = $1 AND active
		AND (tenant_id IS NULL OR tenant_id = $2)
		AND (organization_id IS NULL OR organization_id = $3)
	)`
	var exists bool
	if err := s.Querier(ctx).GetContext(ctx, &exists, q, entityType.String(), tenantID, organizationID); err != nil {
		return false, fmt.Errorf("check active custom field definition: %w", err)
	}
	return exists, nil
}

// ActiveFieldKeys returns the active custom-field keys for entityTypes at
// tenantID, used by the planner's includeCustomFields resolution.
func (s *CustomFieldStore) ActiveFieldKeys(ctx context.Context, entityTypes []model.EntityType, tenantID string) ([]string, error) {
	types := make([]string, 0, len(entityTypes))
	for _, t := range entityTypes {
		types = append(types, t.String())
	}
	const q = `SELECT DISTINCT field_key FROM custom_field_definitions
		WHERE entity_type = ANY($1) AND active AND (tenant_id IS NULL OR tenant_id = $2)
		ORDER BY field_key`
	var keys []string
	if err := s.Querier(ctx).SelectContext(ctx, &keys, q, pq.Array(types), tenantID); err != nil {
		return nil, fmt.Errorf("list active custom field keys: %w", err)
	}
	return keys, nil
}

type translationRowScan struct {
	Locale string         `db:"locale"`
	Field  string         `db:"field"`
	Value  sql.NullString `db:"value_text"`
}

// GetTranslations reads every translated-field row for recordID at scope.
func (s *CustomFieldStore) GetTranslations(ctx context.Context, entityType model.EntityType, recordID string, tenantID string, organizationID *string) ([]ports.TranslationValue, error) {
	const q = `SELECT locale, field, value_text FROM record_translations
		WHERE entity_type = $1 AND record_id = $2 AND tenant_id = $3
		AND (organization_id IS NULL OR organization_id = $4)`

	var rows []translationRowScan
	if err := s.Querier(ctx).SelectContext(ctx, &rows, q, entityType.String(), recordID, tenantID, organizationID); err != nil {
		return nil, fmt.Errorf("read translations: %w", err)
	}
	out := make([]ports.TranslationValue, 0, len(rows))
	for _, r := range rows {
		out = append(out, ports.TranslationValue{Locale: r.Locale, Field: r.Field, Value: NullStringToAny(r.Value)})
	}
	return out, nil
}

func toCustomFieldValues(rows []customFieldRowScan) []ports.CustomFieldValue {
	out := make([]ports.CustomFieldValue, 0, len(rows))
	for _, r := range rows {
		out = append(out, toCustomFieldValue(r))
	}
	return out
}

func toCustomFieldValue(r customFieldRowScan) ports.CustomFieldValue {
	return ports.CustomFieldValue{
		FieldKey:      r.FieldKey,
		Value:         NullStringToAny(r.Value),
		FieldOrgID:    NullStringToPtr(r.OrganizationID),
		FieldTenantID: NullStringToPtr(r.TenantID),
	}
}

// NullStringToAny returns nil for an unset NullString, else its string value.
func NullStringToAny(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

package memory

import (
	"context"
	"sync"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// fieldValue is one seeded custom-field value, keyed by (entityType, recordID).
type fieldValue struct {
	recordID string
	value    ports.CustomFieldValue
}

// translationRow is one seeded translation row.
type translationRow struct {
	recordID       string
	tenantID       string
	organizationID *string
	value          ports.TranslationValue
}

// CustomFields is an in-memory ports.CustomFieldReader + ports.TranslationReader.
type CustomFields struct {
	mu              sync.RWMutex
	values          map[model.EntityType][]fieldValue
	activeKeys      map[model.EntityType]map[string]bool
	translations    map[model.EntityType][]translationRow
}

// NewCustomFields constructs an empty CustomFields fake.
func NewCustomFields() *CustomFields {
	return &CustomFields{
		values:       make(map[model.EntityType][]fieldValue),
		activeKeys:   make(map[model.EntityType]map[string]bool),
		translations: make(map[model.EntityType][]translationRow),
	}
}

// SeedValue registers an active custom-field value for recordID.
func (c *CustomFields) SeedValue(entityType model.EntityType, recordID string, v ports.CustomFieldValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[entityType] = append(c.values[entityType], fieldValue{recordID: recordID, value: v})
	if c.activeKeys[entityType] == nil {
		c.activeKeys[entityType] = make(map[string]bool)
	}
	c.activeKeys[entityType][v.FieldKey] = true
}

// SeedTranslation registers a translated-field value for recordID.
func (c *CustomFields) SeedTranslation(entityType model.EntityType, recordID, tenantID string, organizationID *string, v ports.TranslationValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.translations[entityType] = append(c.translations[entityType], translationRow{
		recordID: recordID, tenantID: tenantID, organizationID: organizationID, value: v,
	})
}

func (c *CustomFields) GetValues(ctx context.Context, entityType model.EntityType, recordID string) ([]ports.CustomFieldValue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ports.CustomFieldValue
	for _, fv := range c.values[entityType] {
		if fv.recordID == recordID {
			out = append(out, fv.value)
		}
	}
	return out, nil
}

func (c *CustomFields) GetValuesBatch(ctx context.Context, entityType model.EntityType, recordIDs []string) (map[string][]ports.CustomFieldValue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wanted := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		wanted[id] = true
	}
	out := make(map[string][]ports.CustomFieldValue)
	for _, fv := range c.values[entityType] {
		if wanted[fv.recordID] {
			out[fv.recordID] = append(out[fv.recordID], fv.value)
		}
	}
	return out, nil
}

func (c *CustomFields) HasActiveDefinition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeKeys[entityType]) > 0, nil
}

func (c *CustomFields) ActiveFieldKeys(ctx context.Context, entityTypes []model.EntityType, tenantID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, et := range entityTypes {
		for k := range c.activeKeys[et] {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out, nil
}

func (c *CustomFields) GetTranslations(ctx context.Context, entityType model.EntityType, recordID string, tenantID string, organizationID *string) ([]ports.TranslationValue, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ports.TranslationValue
	for _, tr := range c.translations[entityType] {
		if tr.recordID != recordID || tr.tenantID != tenantID {
			continue
		}
		if tr.organizationID != nil && organizationID != nil && *tr.organizationID != *organizationID {
			continue
		}
		out = append(out, tr.value)
	}
	return out, nil
}

package builder

import (
	"context"
	"errors"
	"testing"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

func TestBuildFusesBaseRowCustomFieldsAndTranslations(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})

	cf := memory.NewCustomFields()
	cf.SeedValue("crm:account", "r1", ports.CustomFieldValue{FieldKey: "industry", Value: "steel"})
	cf.SeedTranslation("crm:account", "r1", "t1", nil, ports.TranslationValue{Locale: "fr", Field: "name", Value: "Acme FR"})

	b := New(base, cf, cf)

	doc, err := b.Build(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc["name"] != "Acme" {
		t.Fatalf("expected base field name=Acme, got %+v", doc["name"])
	}
	if doc["cf:industry"] != "steel" {
		t.Fatalf("expected cf:industry=steel, got %+v", doc["cf:industry"])
	}
	if doc["l10n:fr:name"] != "Acme FR" {
		t.Fatalf("expected l10n:fr:name=Acme FR, got %+v", doc["l10n:fr:name"])
	}
}

func TestBuildReturnsErrBaseRowMissing(t *testing.T) {
	base := memory.NewBaseTable()
	cf := memory.NewCustomFields()
	b := New(base, cf, cf)

	_, err := b.Build(context.Background(), "crm:account", "missing", model.Scope{TenantID: "t1"})
	var missing ErrBaseRowMissing
	if !errors.As(err, &missing) {
		t.Fatalf("expected ErrBaseRowMissing, got %v", err)
	}
}

func TestBuildMergesParentRowUnderneathForCompositeEntities(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:contact", ports.BaseRow{"id": "parent1", "tenant_id": "t1", "name": "Parent Name", "region": "EU"})
	base.Seed("crm:contact_address", ports.BaseRow{"id": "addr1", "tenant_id": "t1", "parent_id": "parent1", "name": "Address Name"})
	base.SetParent("crm:contact_address", "crm:contact")

	cf := memory.NewCustomFields()
	b := New(base, cf, cf, WithParentFetcher(base, []model.EntityType{"crm:contact_address"}))

	doc, err := b.Build(context.Background(), "crm:contact_address", "addr1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc["region"] != "EU" {
		t.Fatalf("expected parent-layer field region=EU to be merged, got %+v", doc["region"])
	}
	if doc["name"] != "Address Name" {
		t.Fatalf("expected child row to win over parent layer for name, got %+v", doc["name"])
	}
}

func TestBuildHidesCustomFieldValuesScopedToAnotherOrg(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1"})

	otherOrg := "org-other"
	cf := memory.NewCustomFields()
	cf.SeedValue("crm:account", "r1", ports.CustomFieldValue{FieldKey: "industry", Value: "steel", FieldOrgID: &otherOrg})

	b := New(base, cf, cf)

	doc, err := b.Build(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := doc["cf:industry"]; ok {
		t.Fatalf("expected cf:industry to be hidden outside its org scope, got %+v", doc)
	}
}

func TestBuildAppliesEncryptHookAndFallsBackOnFailure(t *testing.T) {
	base := memory.NewBaseTable()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})
	cf := memory.NewCustomFields()

	b := New(base, cf, cf, WithEncryptHook(func(ctx context.Context, doc map[string]any) (map[string]any, error) {
		return nil, errors.New("encryption service unavailable")
	}))

	doc, err := b.Build(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("build should not fail when encrypt hook errors: %v", err)
	}
	if doc["name"] != "Acme" {
		t.Fatalf("expected plaintext fallback, got %+v", doc)
	}
}

package batch

import (
	"context"
	"testing"

	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

func newTestUpserter() (*Upserter, *memory.IndexStore, *memory.TokenStore) {
	base := memory.NewBaseTable()
	cf := memory.NewCustomFields()
	b := builder.New(base, cf, cf)
	store := memory.NewIndexStore()
	tokenStore := memory.NewTokenStore()
	tok := tokens.New(tokenStore, tokens.Config{})
	return New(b, store, tok), store, tokenStore
}

func TestUpsertWritesEveryRowAndTokens(t *testing.T) {
	u, store, tokenStore := newTestUpserter()

	rows := []ports.BaseRow{
		{"id": "r1", "tenant_id": "t1", "name": "Acme Corp"},
		{"id": "r2", "tenant_id": "t1", "name": "Beta Inc"},
	}

	result, err := u.Upsert(context.Background(), "crm:account", rows, model.Scope{TenantID: "t1"}, Options{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if result.Upserted != 2 {
		t.Fatalf("expected 2 rows upserted, got %d", result.Upserted)
	}

	row1, ok, err := store.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get r1: %v", err)
	}
	if !ok {
		t.Fatalf("expected r1 to be stored")
	}
	if row1.Doc["name"] != "Acme Corp" {
		t.Fatalf("expected stored doc name=Acme Corp, got %+v", row1.Doc)
	}

	if len(tokenStore.Snapshot("crm:account", "r1")) == 0 {
		t.Fatalf("expected tokens extracted for r1")
	}
}

func TestUpsertEmptyRowsIsNoop(t *testing.T) {
	u, _, _ := newTestUpserter()

	result, err := u.Upsert(context.Background(), "crm:account", nil, model.Scope{TenantID: "t1"}, Options{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if result.Upserted != 0 {
		t.Fatalf("expected no-op on empty input, got %+v", result)
	}
}

func TestUpsertSkipsRowWithMissingRecordID(t *testing.T) {
	u, store, _ := newTestUpserter()

	rows := []ports.BaseRow{
		{"tenant_id": "t1", "name": "no id here"},
		{"id": "r2", "tenant_id": "t1", "name": "Valid"},
	}

	result, err := u.Upsert(context.Background(), "crm:account", rows, model.Scope{TenantID: "t1"}, Options{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if result.Upserted != 1 {
		t.Fatalf("expected only the valid row upserted, got %d", result.Upserted)
	}
	if _, ok, _ := store.Get(context.Background(), "crm:account", "r2", model.SentinelOrganizationID); !ok {
		t.Fatalf("expected r2 to be stored")
	}
}

func TestUpsertAppliesOverrideScope(t *testing.T) {
	u, store, _ := newTestUpserter()

	overrideOrg := "org-override"
	rows := []ports.BaseRow{{"id": "r1", "name": "Acme"}}

	_, err := u.Upsert(context.Background(), "crm:account", rows, model.Scope{TenantID: "t1"}, Options{
		Override: &ScopeOverride{OrganizationID: &overrideOrg},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row, ok, err := store.Get(context.Background(), "crm:account", "r1", overrideOrg)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected row to be stored under override org")
	}
	if row.OrganizationID == nil || *row.OrganizationID != overrideOrg {
		t.Fatalf("expected organization id %s, got %+v", overrideOrg, row.OrganizationID)
	}
}

func TestUpsertDerivesScopeFromRowColumns(t *testing.T) {
	u, store, _ := newTestUpserter()

	rows := []ports.BaseRow{{"id": "r1", "tenant_id": "t2", "organization_id": "org-from-row", "name": "Acme"}}

	_, err := u.Upsert(context.Background(), "crm:account", rows, model.Scope{TenantID: "t1"}, Options{})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row, ok, err := store.Get(context.Background(), "crm:account", "r1", "org-from-row")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatalf("expected row stored under org derived from its own column")
	}
	if row.TenantID != "t2" {
		t.Fatalf("expected tenant derived from row column, got %s", row.TenantID)
	}
}

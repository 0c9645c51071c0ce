package indexer

import (
	"context"
	"testing"

	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

func newTestIndexer() (*Indexer, *memory.BaseTable, *memory.IndexStore, *memory.TokenStore) {
	base := memory.NewBaseTable()
	cf := memory.NewCustomFields()
	b := builder.New(base, cf, cf)
	store := memory.NewIndexStore()
	tokenStore := memory.NewTokenStore()
	tok := tokens.New(tokenStore, tokens.Config{})
	return New(b, store, tok, nil), base, store, tokenStore
}

func TestUpsertCreatesIndexRowAndTokens(t *testing.T) {
	idx, base, store, tokenStore := newTestIndexer()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme Corp"})

	flags, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !flags.Created {
		t.Fatalf("expected Created=true, got %+v", flags)
	}

	row, ok, err := store.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || row.Doc["name"] != "Acme Corp" {
		t.Fatalf("expected stored row with name=Acme Corp, got %+v ok=%v", row, ok)
	}
	if len(tokenStore.Snapshot("crm:account", "r1")) == 0 {
		t.Fatalf("expected tokens extracted")
	}
}

func TestUpsertRecreatesARowAfterDelete(t *testing.T) {
	idx, base, store, _ := newTestIndexer()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})

	if _, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := idx.Delete(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID); ok {
		t.Fatalf("expected row physically removed after delete")
	}

	flags, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if !flags.Created {
		t.Fatalf("expected the re-created row to report Created=true, got %+v", flags)
	}
}

func TestUpsertDeletesIndexRowWhenBaseRowIsMissing(t *testing.T) {
	idx, base, store, _ := newTestIndexer()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})

	if _, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	base.Delete("crm:account", "r1")

	flags, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"})
	if err != nil {
		t.Fatalf("upsert after base row deleted: %v", err)
	}
	if !flags.Existed {
		t.Fatalf("expected Existed=true for a row that previously existed, got %+v", flags)
	}

	if _, ok, _ := store.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID); ok {
		t.Fatalf("expected index row removed once the base row disappeared")
	}
}

func TestDeleteRemovesTokensToo(t *testing.T) {
	idx, base, _, tokenStore := newTestIndexer()
	base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme Corp"})

	if _, err := idx.Upsert(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(tokenStore.Snapshot("crm:account", "r1")) == 0 {
		t.Fatalf("expected tokens present before delete")
	}

	if err := idx.Delete(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(tokenStore.Snapshot("crm:account", "r1")) != 0 {
		t.Fatalf("expected tokens cleared after delete")
	}
}

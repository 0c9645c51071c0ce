package tokens

import (
	"context"
	"testing"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

func TestExtractTokenizesIncludedFields(t *testing.T) {
	ex := New(memory.NewTokenStore(), Config{})

	doc := map[string]any{
		"id":         "r1",
		"tenant_id":  "t1",
		"created_at": "2026-01-01T00:00:00Z",
		"name":       "Acme Corp",
		"tags":       []any{"vip", "neo"},
	}

	toks := ex.Extract("crm:account", "r1", model.Scope{TenantID: "t1"}, doc)

	fields := make(map[string]int)
	for _, tok := range toks {
		fields[tok.Field]++
	}
	if fields["id"] != 0 || fields["tenant_id"] != 0 || fields["created_at"] != 0 {
		t.Fatalf("excluded fields leaked into tokens: %+v", fields)
	}
	if fields["name"] == 0 {
		t.Fatalf("expected tokens for name, got %+v", fields)
	}
	if fields["tags"] != 2 {
		t.Fatalf("expected 2 tags tokens, got %d", fields["tags"])
	}
}

func TestExtractRespectsBlocklistAndRawTokenFlag(t *testing.T) {
	ex := New(memory.NewTokenStore(), Config{
		Blocklist:     map[string]bool{"secret": true},
		StoreRawToken: true,
	})

	doc := map[string]any{
		"secret": "should not tokenize",
		"title":  "Hello World",
	}

	toks := ex.Extract("crm:account", "r1", model.Scope{TenantID: "t1"}, doc)
	for _, tok := range toks {
		if tok.Field == "secret" {
			t.Fatalf("blocklisted field was tokenized: %+v", tok)
		}
		if tok.RawToken == nil {
			t.Fatalf("expected RawToken to be populated: %+v", tok)
		}
	}
}

func TestExtractDeduplicatesWithinField(t *testing.T) {
	ex := New(memory.NewTokenStore(), Config{})

	doc := map[string]any{"name": "hello hello world"}
	toks := ex.Extract("crm:account", "r1", model.Scope{TenantID: "t1"}, doc)

	count := 0
	for _, tok := range toks {
		if tok.Field == "name" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 distinct tokens (hello, world), got %d", count)
	}
}

func TestReplaceForRecordPersistsToStore(t *testing.T) {
	store := memory.NewTokenStore()
	ex := New(store, Config{})

	doc := map[string]any{"name": "Acme Corp"}
	if err := ex.ReplaceForRecord(context.Background(), "crm:account", "r1", model.Scope{TenantID: "t1"}, doc); err != nil {
		t.Fatalf("replace for record: %v", err)
	}

	snap := store.Snapshot("crm:account", "r1")
	if len(snap) == 0 {
		t.Fatalf("expected tokens persisted, got none")
	}
}

func TestReplaceForBatchPersistsEachRecordIndependently(t *testing.T) {
	store := memory.NewTokenStore()
	ex := New(store, Config{})

	docs := map[string]map[string]any{
		"r1": {"name": "Acme Corp"},
		"r2": {"name": "Beta Inc"},
	}
	if err := ex.ReplaceForBatch(context.Background(), "crm:account", model.Scope{TenantID: "t1"}, docs); err != nil {
		t.Fatalf("replace for batch: %v", err)
	}

	if len(store.Snapshot("crm:account", "r1")) == 0 {
		t.Fatalf("expected r1 tokens persisted")
	}
	if len(store.Snapshot("crm:account", "r2")) == 0 {
		t.Fatalf("expected r2 tokens persisted")
	}
}

func TestIDAndAtSuffixedFieldsAreExcluded(t *testing.T) {
	ex := New(memory.NewTokenStore(), Config{})

	doc := map[string]any{
		"parent_id":  "p1",
		"updated_at": "2026-01-01T00:00:00Z",
		"name":       "keep me",
	}

	toks := ex.Extract("crm:account", "r1", model.Scope{TenantID: "t1"}, doc)
	for _, tok := range toks {
		if tok.Field == "parent_id" || tok.Field == "updated_at" {
			t.Fatalf("suffix-excluded field leaked: %+v", tok)
		}
	}
}

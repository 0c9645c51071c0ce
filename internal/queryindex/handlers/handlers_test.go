package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/openmercato/queryindex/internal/eventbus"
	"github.com/openmercato/queryindex/internal/queryindex/builder"
	"github.com/openmercato/queryindex/internal/queryindex/coverage"
	"github.com/openmercato/queryindex/internal/queryindex/indexer"
	"github.com/openmercato/queryindex/internal/queryindex/jobs"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
	"github.com/openmercato/queryindex/internal/queryindex/purge"
	"github.com/openmercato/queryindex/internal/queryindex/reindex"
	"github.com/openmercato/queryindex/internal/queryindex/tokens"
	"github.com/openmercato/queryindex/internal/storage/memory"
)

type testHandlers struct {
	h       *Handlers
	bus     *eventbus.Bus
	base    *memory.BaseTable
	indexes *memory.IndexStore
	errors  *memory.ErrorLog
}

func newTestHandlers() testHandlers {
	base := memory.NewBaseTable()
	cf := memory.NewCustomFields()
	indexStore := memory.NewIndexStore()
	tokenStore := memory.NewTokenStore()
	coverageStore := memory.NewCoverageStore()
	jobStore := memory.NewJobStore()
	errorLog := memory.NewErrorLog()
	bus := eventbus.NewBus(nil)

	b := builder.New(base, cf, cf)
	tok := tokens.New(tokenStore, tokens.Config{})
	idx := indexer.New(b, indexStore, tok, nil)
	acct := coverage.New(coverageStore, base, nil, time.Minute, time.Minute)
	ledger := jobs.New(jobStore, time.Minute)
	reindexer := reindex.New(base, indexStore, nil, acct, ledger, bus, nil)
	purger := purge.New(indexStore, ledger)

	h := New(bus, eventbus.NewStaticRegistry(), base, cf, idx, acct, reindexer, purger, errorLog, Config{
		CoverageRefreshDelay: 10 * time.Millisecond,
		WarmupThrottle:       time.Minute,
	})
	return testHandlers{h: h, bus: bus, base: base, indexes: indexStore, errors: errorLog}
}

func TestHandleUpsertOneIndexesTheRecordAndAdjustsCoverage(t *testing.T) {
	th := newTestHandlers()
	th.base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})
	unsub := th.h.Register()
	defer unsub()

	err := th.bus.Emit(context.Background(), "query_index.upsert_one", map[string]any{
		"entityType": "crm:account",
		"recordId":   "r1",
		"tenantId":   "t1",
	}, eventbus.EmitOptions{Persistent: true})
	if err != nil {
		t.Fatalf("emit upsert_one: %v", err)
	}

	row, ok, err := th.indexes.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || row.Doc["name"] != "Acme" {
		t.Fatalf("expected upsert_one to index the record, got %+v ok=%v", row, ok)
	}

	cov, ok, err := th.h.accountant.ReadSnapshot(context.Background(), model.CoverageScopeKey{EntityType: "crm:account", TenantID: "t1"})
	if err != nil {
		t.Fatalf("read coverage: %v", err)
	}
	if !ok || cov.IndexedCount != 1 {
		t.Fatalf("expected upsert_one to raise the indexed count to 1, got %+v ok=%v", cov, ok)
	}
}

func TestHandleDeleteOneRemovesTheRecord(t *testing.T) {
	th := newTestHandlers()
	th.base.Seed("crm:account", ports.BaseRow{"id": "r1", "tenant_id": "t1", "name": "Acme"})
	unsub := th.h.Register()
	defer unsub()

	if err := th.bus.Emit(context.Background(), "query_index.upsert_one", map[string]any{
		"entityType": "crm:account", "recordId": "r1", "tenantId": "t1",
	}, eventbus.EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit upsert_one: %v", err)
	}

	if err := th.bus.Emit(context.Background(), "query_index.delete_one", map[string]any{
		"entityType": "crm:account", "recordId": "r1", "tenantId": "t1",
	}, eventbus.EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit delete_one: %v", err)
	}

	_, ok, err := th.indexes.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected delete_one to remove the index row")
	}
}

func TestHandlePurgeLogsStatusAndSoftDeletesScope(t *testing.T) {
	th := newTestHandlers()
	if _, err := th.indexes.Upsert(context.Background(), model.IndexRow{EntityType: "crm:account", RecordID: "r1", TenantID: "t1"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	unsub := th.h.Register()
	defer unsub()

	if err := th.bus.Emit(context.Background(), "query_index.purge", map[string]any{
		"entityType": "crm:account", "tenantId": "t1",
	}, eventbus.EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit purge: %v", err)
	}

	row, ok, err := th.indexes.Get(context.Background(), "crm:account", "r1", model.SentinelOrganizationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || row.DeletedAt == nil {
		t.Fatalf("expected row to be soft-deleted by purge, got %+v", row)
	}

	found := false
	for _, e := range th.errors.Entries() {
		if e.Handler == "purge" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected purge to log status entries")
	}
}

func TestCRUDBridgeEmitsUpsertOneWhenActiveCustomFieldDefinitionExists(t *testing.T) {
	th := newTestHandlers()
	th.base.Seed("directory:organization", ports.BaseRow{"id": "o1", "tenant_id": "t1", "name": "Acme"})

	cf := th.h.customField.(*memory.CustomFields)
	cf.SeedValue("directory:organization", "o1", ports.CustomFieldValue{FieldKey: "industry", Value: "steel"})

	unsubBridge := th.h.RegisterCRUDBridge("directory:organization", "directory", "organization")
	defer unsubBridge()
	unsub := th.h.Register()
	defer unsub()

	// The bridge emits upsert_one non-persistently, so it is delivered on
	// another goroutine; wait on a channel rather than reading a shared var.
	captured := make(chan map[string]any, 1)
	unsubCapture := th.bus.On("query_index.upsert_one", func(ctx context.Context, payload map[string]any) error {
		select {
		case captured <- payload:
		default:
		}
		return nil
	})
	defer unsubCapture()

	if err := th.bus.Emit(context.Background(), "directory.organization.created", map[string]any{
		"id": "o1", "tenantId": "t1",
	}, eventbus.EmitOptions{Persistent: true}); err != nil {
		t.Fatalf("emit created: %v", err)
	}

	var got map[string]any
	select {
	case got = <-captured:
	case <-time.After(time.Second):
		t.Fatalf("expected the CRUD bridge to emit query_index.upsert_one")
	}
	if got["recordId"] != "o1" {
		t.Fatalf("expected recordId=o1, got %+v", got)
	}
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

func newIndexStoreTest(t *testing.T) (*IndexStore, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { rawDB.Close() })
	db := sqlx.NewDb(rawDB, "postgres")
	return NewIndexStore(NewBaseStore(db, "entity_indexes")), mock
}

func TestIndexStoreGetReturnsNotFoundForNoRows(t *testing.T) {
	store, mock := newIndexStoreTest(t)
	mock.ExpectQuery("SELECT .* FROM entity_indexes").
		WithArgs("crm:account", "r1", "__none__").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "record_id", "tenant_id", "organization_id", "doc", "index_version", "created_at", "updated_at", "deleted_at"}))

	_, ok, err := store.Get(context.Background(), "crm:account", "r1", "__none__")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for no matching row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreGetReturnsScannedRow(t *testing.T) {
	store, mock := newIndexStoreTest(t)
	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM entity_indexes").
		WithArgs("crm:account", "r1", "__none__").
		WillReturnRows(sqlmock.NewRows([]string{"entity_type", "record_id", "tenant_id", "organization_id", "doc", "index_version", "created_at", "updated_at", "deleted_at"}).
			AddRow("crm:account", "r1", "t1", nil, []byte(`{"name":"Acme"}`), 1, now, now, nil))

	row, ok, err := store.Get(context.Background(), "crm:account", "r1", "__none__")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || row.Doc["name"] != "Acme" {
		t.Fatalf("expected scanned row with name=Acme, got %+v ok=%v", row, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreUpsertFallsBackToUpdateThenInsertWhenUnsupported(t *testing.T) {
	store, mock := newIndexStoreTest(t)
	store.coalescedSupport["crm:account"] = false

	mock.ExpectExec("UPDATE entity_indexes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO entity_indexes").
		WillReturnResult(sqlmock.NewResult(1, 1))

	flags, err := store.Upsert(context.Background(), model.IndexRow{
		EntityType: "crm:account", RecordID: "r1", TenantID: "t1", Doc: map[string]any{"name": "Acme"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !flags.Created {
		t.Fatalf("expected Created=true when update affects 0 rows, got %+v", flags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreUpsertReportsExistedWhenUpdateAffectsRows(t *testing.T) {
	store, mock := newIndexStoreTest(t)
	store.coalescedSupport["crm:account"] = false

	mock.ExpectExec("UPDATE entity_indexes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	flags, err := store.Upsert(context.Background(), model.IndexRow{
		EntityType: "crm:account", RecordID: "r1", TenantID: "t1", Doc: map[string]any{"name": "Acme"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !flags.Existed || flags.Created {
		t.Fatalf("expected Existed=true, Created=false, got %+v", flags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreUpsertUsesOnConflictWhenCoalescedSupported(t *testing.T) {
	store, mock := newIndexStoreTest(t)
	store.coalescedSupport["crm:account"] = true

	mock.ExpectQuery("INSERT INTO entity_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"inserted"}).AddRow(true))

	flags, err := store.Upsert(context.Background(), model.IndexRow{
		EntityType: "crm:account", RecordID: "r1", TenantID: "t1", Doc: map[string]any{"name": "Acme"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !flags.Created {
		t.Fatalf("expected Created=true from the ON CONFLICT path, got %+v", flags)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreDeleteReportsWhetherAnActiveRowWasRemoved(t *testing.T) {
	store, mock := newIndexStoreTest(t)

	mock.ExpectExec("DELETE FROM entity_indexes").
		WillReturnResult(sqlmock.NewResult(0, 1))

	removed, err := store.Delete(context.Background(), "crm:account", "r1", "__none__")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatalf("expected removed=true when the delete affects a row")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreDeleteFallsBackToCleanupWhenNoActiveRowMatched(t *testing.T) {
	store, mock := newIndexStoreTest(t)

	mock.ExpectExec("DELETE FROM entity_indexes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM entity_indexes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := store.Delete(context.Background(), "crm:account", "r1", "__none__")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if removed {
		t.Fatalf("expected removed=false when no active row matched")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreSoftDeleteByScopeReturnsAffectedCount(t *testing.T) {
	store, mock := newIndexStoreTest(t)

	mock.ExpectExec("UPDATE entity_indexes SET deleted_at = now").
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := store.SoftDeleteByScope(context.Background(), "crm:account", "t1", nil)
	if err != nil {
		t.Fatalf("soft delete by scope: %v", err)
	}
	if affected != 3 {
		t.Fatalf("expected affected=3, got %d", affected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIndexStoreSupportsCoalescedUpsertCachesProbeResult(t *testing.T) {
	store, mock := newIndexStoreTest(t)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	first, err := store.SupportsCoalescedUpsert(context.Background(), "crm:account")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !first {
		t.Fatalf("expected true from the probe")
	}

	second, err := store.SupportsCoalescedUpsert(context.Background(), "crm:account")
	if err != nil {
		t.Fatalf("probe (cached): %v", err)
	}
	if !second {
		t.Fatalf("expected the cached result to still be true")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected exactly one query due to caching: %v", err)
	}
}

package migrations

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestApplyExecutesAllMigrations(t *testing.T) {
	rawDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer rawDB.Close()
	db := sqlx.NewDb(rawDB, "postgres")

	entries, err := files.ReadDir(".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	for range entries {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrationsAreSorted(t *testing.T) {
	entries, err := files.ReadDir(".")
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if name := entry.Name(); strings.HasSuffix(name, ".sql") {
			names = append(names, name)
		}
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for i := range names {
		if names[i] != sorted[i] {
			t.Fatalf("migration order mismatch at %d: got %s want %s", i, names[i], sorted[i])
		}
	}
}

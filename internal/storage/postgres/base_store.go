// Package postgres implements the query-index ports against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Querier is the subset of *sqlx.DB / *sqlx.Tx every store needs.
type Querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// BaseStore provides common PostgreSQL operations embedded by every
// concrete query-index store.
type BaseStore struct {
	db        *sqlx.DB
	tableName string
}

// NewBaseStore creates a BaseStore for the given table.
func NewBaseStore(db *sqlx.DB, tableName string) *BaseStore {
	return &BaseStore{db: db, tableName: tableName}
}

// DB returns the underlying database handle.
func (s *BaseStore) DB() *sqlx.DB { return s.db }

// TableName returns the store's table name.
func (s *BaseStore) TableName() string { return s.tableName }

type txKey struct{}

// TxFromContext extracts a transaction from context, if one is active.
func TxFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}

// ContextWithTx attaches tx to ctx.
func ContextWithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// Querier returns the transaction bound to ctx, or the pooled db handle.
func (s *BaseStore) Querier(ctx context.Context) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns.
func (s *BaseStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txCtx := ContextWithTx(ctx, tx)

	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// NullTimeToPtr converts sql.NullTime to *time.Time.
func NullTimeToPtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// PtrToNullTime converts *time.Time to sql.NullTime.
func PtrToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// NullStringToPtr converts sql.NullString to *string.
func NullStringToPtr(ns sql.NullString) *string {
	if ns.Valid {
		return &ns.String
	}
	return nil
}

// PtrToNullString converts *string to sql.NullString.
func PtrToNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

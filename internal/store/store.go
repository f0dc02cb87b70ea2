// Package store provides sqlite-backed persistence for the reconciliation
// core. All reads are scoped by date range and account; all writes go through
// a transaction owned by the mutation executor.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	recerrors "ledgermatch/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens the sqlite database at path with sensible defaults and applies
// pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, recerrors.StoreUnavailable("open", err)
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies embedded schema migrations.
func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return recerrors.StoreUnavailable("migrate", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return recerrors.StoreUnavailable("migrate", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return recerrors.StoreUnavailable("migrate", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return recerrors.StoreUnavailable("migrate", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps a sqlite transaction. It is the only handle through which writes
// are issued; the executor owns its lifecycle.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, recerrors.StoreUnavailable("begin", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return recerrors.StoreUnavailable("commit", err)
	}
	return nil
}

// Rollback rolls the transaction back. Safe to call after Commit.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return recerrors.StoreUnavailable("rollback", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling back
// on error.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Now returns UTC time truncated to seconds, consistent with sqlite storage.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

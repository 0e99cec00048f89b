// Package sqlite is the default embedded-file Storage backend. It opens a
// local database file via ncruces/go-sqlite3, a pure-Go (no cgo) SQLite
// driver, and maintains the schema via a versioned, forward-only migration
// set (see ./migrations).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/sqlite/migrations"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Store is the sqlite-backed storage.Storage implementation.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, applying the baseline schema
// and any pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "open sqlite database", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline per spec §5

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.Wrap(types.CodeStoreUnavailable, "apply baseline schema", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&current); err != nil {
		current = 0
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return types.Wrap(types.CodeStoreUnavailable, "initialize schema_version", err)
		}
	}
	if current > migrations.CurrentVersion {
		return types.NewError(types.CodeConflict, "database schema is newer than this binary supports", map[string]any{
			"db_version": current, "binary_version": migrations.CurrentVersion,
		})
	}
	for _, m := range migrations.All {
		if m.Version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return types.Wrap(types.CodeStoreUnavailable, "begin migration tx", err)
		}
		if err := m.Apply(tx); err != nil {
			tx.Rollback()
			return types.Wrap(types.CodeStoreUnavailable, fmt.Sprintf("apply migration %d (%s)", m.Version, m.Name), err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version = ?`, m.Version); err != nil {
			tx.Rollback()
			return types.Wrap(types.CodeStoreUnavailable, "record migration version", err)
		}
		if err := tx.Commit(); err != nil {
			return types.Wrap(types.CodeStoreUnavailable, "commit migration tx", err)
		}
		current = m.Version
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// sqlTx adapts *sql.Tx to storage.Tx.
type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "begin transaction", err)
	}
	return &sqlTx{tx: tx}, nil
}

// txOrDB returns the *sql.Tx backing a storage.Tx handle if one was passed,
// else nil so callers fall back to an implicit single-statement transaction
// on s.db. Every mutating method accepts a nil tx for callers that don't
// need to span multiple Storage calls atomically.
func txOrDB(tx storage.Tx) *sql.Tx {
	if t, ok := tx.(*sqlTx); ok && t != nil {
		return t.tx
	}
	return nil
}

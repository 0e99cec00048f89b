// Package dolt implements storage.Storage against a running Dolt SQL server
// (server mode only — no embedded/CGO connector). Dolt speaks the MySQL
// wire protocol, so the backend is just go-sql-driver/mysql pointed at a
// dolt sql-server process, the same "federation" mode the teacher's own
// dolt backend supports for multi-writer scenarios (internal/storage/dolt
// ServerMode). This lets multiple StackMemory daemons (e.g. across a team,
// or multiple worktrees of one repo) share one durable store.
package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Config holds connection parameters for a Dolt sql-server.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	TLS      bool
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3307
	}
	if c.User == "" {
		c.User = "root"
	}
	if c.Database == "" {
		c.Database = "stackmemory"
	}
}

// Store is the Dolt-backed storage.Storage implementation.
type Store struct {
	db *sql.DB
}

func buildDSN(cfg Config, database string) string {
	tls := "false"
	if cfg.TLS {
		tls = "true"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, database, tls)
}

// Open connects to a Dolt sql-server, creating the target database and
// applying the baseline schema if needed. Connection is retried with
// exponential backoff since the server's catalog can lag a CREATE DATABASE
// by a few hundred milliseconds (the same "unknown database" race the
// teacher's dolt backend retries around).
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	bootstrapDB, err := sql.Open("mysql", buildDSN(cfg, ""))
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "open dolt bootstrap connection", err)
	}
	defer bootstrapDB.Close()
	if _, err := bootstrapDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database)); err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "create dolt database", err)
	}

	db, err := sql.Open("mysql", buildDSN(cfg, cfg.Database))
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "open dolt connection", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		pingErr := db.PingContext(ctx)
		if pingErr != nil && !isRetryableError(pingErr) {
			return backoff.Permanent(pingErr)
		}
		return pingErr
	}, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, types.Wrap(types.CodeStoreUnavailable, "ping dolt server", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, types.Wrap(types.CodeStoreUnavailable, "apply dolt schema", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// isRetryableError mirrors the teacher's server-mode transient-error
// classification (internal/storage/dolt/store.go isRetryableError):
// brief network blips and catalog races are worth a retry, everything
// else is permanent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{
		"driver: bad connection", "invalid connection", "broken pipe",
		"connection reset", "connection refused", "database is read only",
		"lost connection", "gone away", "i/o timeout", "unknown database",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// withRetry re-runs op under exponential backoff for transient connection
// errors, matching the teacher's DoltStore.withRetry server-mode behavior.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "begin dolt transaction", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (s *Store) execerFor(tx storage.Tx) execer {
	if t, ok := tx.(*sqlTx); ok && t != nil {
		return t.tx
	}
	return s.db
}

var _ storage.Storage = (*Store)(nil)

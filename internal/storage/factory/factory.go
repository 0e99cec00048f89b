// Package factory selects and constructs a storage.Storage backend from
// configuration, the way the teacher's internal/storage/factory registers
// and dispatches to named backend constructors rather than hard-wiring one.
package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/dolt"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/sqlite"
)

// Driver names accepted by Open (via stackmemory.Options.Driver).
const (
	DriverSQLite = "sqlite"
	DriverDolt   = "dolt"
	DriverMemory = "memory"
)

// SkipDBEnvVar, when set to any non-empty value, forces the memory backend
// regardless of configured driver — used by test suites that want a real
// Storage implementation without touching disk or a network (spec §7 test
// tooling notes).
const SkipDBEnvVar = "STACKMEMORY_TEST_SKIP_DB"

// Options carries the subset of config.json's store section each backend
// needs to open.
type Options struct {
	// SQLite / common
	Path string

	// Dolt server mode
	DoltHost     string
	DoltPort     int
	DoltUser     string
	DoltPassword string
	DoltDatabase string
}

// New opens the backend named by driver. An empty driver defaults to
// sqlite, the embedded no-setup-required backend (spec §4.2 "Storage
// backend defaults to embedded sqlite").
func New(ctx context.Context, driver string, opts Options) (storage.Storage, error) {
	if os.Getenv(SkipDBEnvVar) != "" {
		driver = DriverMemory
	}
	switch driver {
	case "", DriverSQLite:
		return sqlite.Open(opts.Path)
	case DriverDolt:
		return dolt.Open(ctx, dolt.Config{
			Host:     opts.DoltHost,
			Port:     opts.DoltPort,
			User:     opts.DoltUser,
			Password: opts.DoltPassword,
			Database: opts.DoltDatabase,
		})
	case DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q (supported: sqlite, dolt, memory)", driver)
	}
}

// Package stackmemory is the public wiring surface for StackMemory: it
// resolves project/session identity, loads config.json, opens a storage
// backend, and constructs the Frame Manager, Retriever, Tier Manager, and
// Tool Surface on top of it. Grounded on the teacher's root beads.go /
// internal/beads/beads.go, which expose a minimal constructor surface
// (NewSQLiteStorage, findDatabaseInBeadsDir's config-then-canonical-then-
// glob discovery order) for Go-based extensions rather than hand-wiring
// storage.Open calls at every call site — StackMemory's Engine plays the
// same role: the one place that turns a project directory into a runnable
// set of components.
package stackmemory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/config"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/framemanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/identity"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/retriever"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/factory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/tiermanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/toolsurface"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// ConfigDirName is the per-project dotdir holding config.json, the pid
// lock, and the offline migration-retry file (spec §6 on-disk layout).
const ConfigDirName = ".stackmemory"

// CanonicalConfigName is the config.json filename inside ConfigDirName.
const CanonicalConfigName = "config.json"

// Engine bundles a project's live components. It is the unit a daemon or a
// one-shot `sm` CLI invocation constructs once per process.
type Engine struct {
	ProjectID string
	SessionID string

	Store  storage.Storage
	Bus    *eventbus.Bus
	Frames *framemanager.Manager
	Retr   *retriever.Retriever
	Tier   *tiermanager.Manager
	Tools  *toolsurface.Server
	Config *config.Config
	Logger *slog.Logger

	cwd string
}

// Options overrides Engine discovery/construction; every field is optional.
type Options struct {
	// Cwd is the project directory identity and config are resolved from.
	// Defaults to os.Getwd().
	Cwd string

	// Driver/StoreOptions select the storage backend; config.json is not
	// consulted for it. An empty Driver means the embedded sqlite backend.
	Driver       string
	StoreOptions factory.Options

	// Branch is the VCS branch the new/resumed session is attached to.
	Branch string

	// SessionID pins resolve_session to an explicit session, priority (1)
	// in spec §4.1's resolution order. Leave empty to let resolve_session
	// fall through to the environment-provided id, then discovery.
	SessionID string

	Logger *slog.Logger
}

// Open resolves project identity, loads config.json, opens the configured
// storage backend, ensures the Project row exists, resolves the Session
// (resuming an active one or starting a new one, via identity.ResolveSession),
// and wires every component on top. Mirrors the teacher's
// findDatabaseInBeadsDir discovery order (config file first, then
// defaults) but for an entire component graph rather than one db path.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cwd := opts.Cwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("stackmemory: resolve cwd: %w", err)
		}
	}

	projectID, err := resolveProjectID(cwd)
	if err != nil {
		return nil, fmt.Errorf("stackmemory: resolve project id: %w", err)
	}

	dotDir := filepath.Join(cwd, ConfigDirName)
	if err := os.MkdirAll(dotDir, 0o755); err != nil {
		return nil, fmt.Errorf("stackmemory: create %s: %w", ConfigDirName, err)
	}

	cfg, err := config.Load(filepath.Join(dotDir, CanonicalConfigName))
	if err != nil {
		return nil, fmt.Errorf("stackmemory: load config: %w", err)
	}

	driver := opts.Driver
	storeOpts := opts.StoreOptions
	if storeOpts.Path == "" && driver != factory.DriverMemory {
		storeOpts.Path = filepath.Join(dotDir, "stackmemory.db")
	}
	store, err := factory.New(ctx, driver, storeOpts)
	if err != nil {
		return nil, fmt.Errorf("stackmemory: open storage: %w", err)
	}

	if err := store.EnsureProject(ctx, &types.Project{
		ProjectID: projectID,
		RootPath:  cwd,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		store.Close()
		return nil, fmt.Errorf("stackmemory: ensure project: %w", err)
	}

	session, err := identity.ResolveSession(ctx, store, projectID, opts.Branch, opts.SessionID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("stackmemory: resolve session: %w", err)
	}

	bus := eventbus.New(logger)
	frames := framemanager.New(store, bus, session, cfg.FrameMaxDepth)
	frames.SetLogger(logger)
	if err := frames.RehydrateStack(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("stackmemory: rehydrate stack: %w", err)
	}

	var retrOpts []retriever.Option
	if semIdx, semErr := retriever.NewAnthropicSemanticIndex(store, projectID, ""); semErr == nil {
		retrOpts = append(retrOpts, retriever.WithSemanticIndex(semIdx))
	} else {
		logger.Debug("stackmemory: semantic augmentation disabled", "error", semErr)
	}
	retr := retriever.New(store, logger, retrOpts...)

	tier := tiermanager.New(
		store, bus, logger,
		filepath.Join(dotDir, "migration_offline.jsonl"),
		session.SessionID,
		tiermanager.WithBatchSize(cfg.MigrationBatchSize),
		tiermanager.WithInterval(cfg.MigrationInterval),
		tiermanager.WithLocalSizeCap(cfg.LocalSizeCapBytes),
		tiermanager.WithSoftQueueCeiling(cfg.SoftQueueCeiling),
		tiermanager.WithLockDir(filepath.Join(dotDir, "locks")),
	)
	frames.SetTierManager(tier)

	tools := toolsurface.NewServer(frames, retr, tier, store, logger)

	return &Engine{
		ProjectID: projectID,
		SessionID: session.SessionID,
		Store:     store,
		Bus:       bus,
		Frames:    frames,
		Retr:      retr,
		Tier:      tier,
		Tools:     tools,
		Config:    cfg,
		Logger:    logger,
		cwd:       cwd,
	}, nil
}

// Cwd returns the project directory this Engine was opened for.
func (e *Engine) Cwd() string { return e.cwd }

// DotDir returns the per-project .stackmemory directory.
func (e *Engine) DotDir() string { return filepath.Join(e.cwd, ConfigDirName) }

// PidFilePath returns this project's daemon pid-lock path, the
// per-project analogue of internal/daemon.PidFilePath (which is
// per-user); a single machine may run one daemon per open project.
func (e *Engine) PidFilePath() string { return filepath.Join(e.DotDir(), "hooks.pid") }

// SocketPath returns the Unix domain socket path cmd/smd's Tool Surface
// listener binds to for this project, and cmd/sm dials to reach it.
func (e *Engine) SocketPath() string { return filepath.Join(e.DotDir(), "smd.sock") }

// Close releases the storage backend. The Tier Manager and watcher, if
// running under a Daemon, are stopped by cancelling the Daemon's context
// separately.
func (e *Engine) Close() error {
	return e.Store.Close()
}

func resolveProjectID(cwd string) (string, error) {
	if override, ok := os.LookupEnv(config.EnvProject); ok && override != "" {
		return identity.Normalize(override), nil
	}
	return identity.ResolveProjectID(cwd)
}

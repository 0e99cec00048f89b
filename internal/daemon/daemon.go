// Package daemon is the long-lived supervisor of spec §4.10: it
// owns the filesystem watcher, the Tier Manager's background migration
// loop, the expired-session sweeper, and the lifecycle-hook event bus,
// enforcing a single instance per pid-file path via a lock on
// Config.PidFilePath. PidFilePath below gives a per-user location, but
// cmd/smd passes the per-project stackmemory.Engine.PidFilePath, so one
// daemon may run for each project on a machine. Structure is
// grounded on the teacher's internal/rpc.Server lifecycle (NewServer /
// handleSignals / runCleanupLoop / Stop), adapted from an RPC listener
// loop to a headless supervisor with no socket of its own — the Tool
// Surface is served separately (internal/toolsurface), the Daemon only
// keeps background state current.
package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/lockfile"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/tiermanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// DefaultSweepInterval is how often the expired-session sweeper runs.
const DefaultSweepInterval = 10 * time.Minute

// Version is the daemon's reported version, set from main at link time the
// same way the teacher threads ServerVersion through from its cmd package.
var Version = "0.1.0"

// Config configures a Daemon's background components.
type Config struct {
	Store           storage.Storage
	Bus             *eventbus.Bus
	Tier            *tiermanager.Manager
	Logger          *slog.Logger
	PidFilePath     string
	WatchRoots      []string
	WatchExtensions []string
	WatchIgnore     []string
	SweepInterval   time.Duration
}

// Daemon is the running supervisor.
type Daemon struct {
	store  storage.Storage
	bus    *eventbus.Bus
	tier   *tiermanager.Manager
	logger *slog.Logger
	lock   *lockfile.Lock

	watcher *watcher

	sweepInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Daemon. It does not start any background loop until Run
// is called.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	d := &Daemon{
		store:         cfg.Store,
		bus:           cfg.Bus,
		tier:          cfg.Tier,
		logger:        logger,
		sweepInterval: sweep,
	}
	if cfg.PidFilePath != "" {
		d.lock = lockfile.New(cfg.PidFilePath)
	}
	if len(cfg.WatchRoots) > 0 {
		w, err := newWatcher(cfg.Bus, logger, cfg.WatchRoots, cfg.WatchExtensions, cfg.WatchIgnore, "")
		if err != nil {
			logger.Warn("daemon: filesystem watcher disabled", slog.Any("error", err))
		} else {
			d.watcher = w
		}
	}
	return d
}

// Run acquires the single-instance lock, then runs every background loop
// until ctx is cancelled. Returns lockfile.ErrLocked if another daemon for
// this user is already running (spec §4.10 "single-instance per user").
func (d *Daemon) Run(ctx context.Context) error {
	if d.lock != nil {
		if err := d.lock.TryLock(); err != nil {
			return err
		}
		defer d.lock.Unlock()

		_ = lockfile.WriteInfo(d.lock.Path(), lockfile.Info{
			PID: os.Getpid(), Version: Version, StartedAt: time.Now().UTC(),
		})
		defer os.Remove(d.lock.Path() + ".json")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.logger.Info("daemon: starting")

	if d.watcher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.watcher.run()
		}()
	}
	if d.tier != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.tier.Run(runCtx)
		}()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runSweeper(runCtx)
	}()

	<-runCtx.Done()
	d.logger.Info("daemon: stopping")
	if d.watcher != nil {
		d.watcher.stop()
	}
	d.wg.Wait()
	return nil
}

// Stop cancels the running daemon's context. Safe to call from a signal
// handler (spec §4.10 structured shutdown).
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running && d.cancel != nil {
		d.cancel()
		d.running = false
	}
}

// runSweeper periodically suspends sessions idle past types.StaleAfter
// (spec §3 "Staleness", §4.10 "owns ... the expired-session sweeper").
func (d *Daemon) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

func (d *Daemon) sweepOnce(ctx context.Context) {
	sessions, err := d.store.SelectSessions(ctx, storage.SessionFilter{State: types.SessionActive}, 1000)
	if err != nil {
		d.logger.Warn("daemon: sweeper failed to list sessions", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	for _, s := range sessions {
		if !s.IsStale(now) {
			continue
		}
		s.State = types.SessionSuspended
		if err := d.store.UpdateSession(ctx, s); err != nil {
			d.logger.Warn("daemon: failed to suspend stale session", slog.String("session_id", s.SessionID), slog.Any("error", err))
			continue
		}
		if d.bus != nil {
			_ = d.bus.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventSessionEnd, SessionID: s.SessionID, At: now})
		}
		d.logger.Info("daemon: suspended stale session", slog.String("session_id", s.SessionID))
	}
}

// PidFilePath returns the daemon's default per-user pid-file location
// (<user_home>/.stackmemory/hooks.pid, spec §6 on-disk layout).
func PidFilePath(userHome string) string {
	return filepath.Join(userHome, ".stackmemory", "hooks.pid")
}

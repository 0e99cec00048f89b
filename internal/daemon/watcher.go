package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
)

// watcher wraps fsnotify.Watcher, filtering events down to the configured
// extension set and ignore list before emitting file_change onto the bus.
// Grounded on the fsnotify.NewWatcher/Add/Events-select shape used for
// daemon-side file watching across the example corpus (e.g.
// untoldecay-BeadsLog's cmd/bd/daemon_watcher.go FileWatcher), adapted from
// a single-file JSONL watch to multi-root, extension-filtered watching of
// arbitrary project roots.
type watcher struct {
	fsw        *fsnotify.Watcher
	bus        *eventbus.Bus
	logger     *slog.Logger
	extensions map[string]bool
	ignore     []string
	sessionID  string

	stopOnce sync.Once
	done     chan struct{}
}

func newWatcher(bus *eventbus.Bus, logger *slog.Logger, roots, extensions, ignore []string, sessionID string) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	extSet := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		extSet[e] = true
	}
	for _, root := range roots {
		if err := fsw.Add(root); err != nil {
			logger.Warn("daemon: failed to watch root", slog.String("root", root), slog.Any("error", err))
		}
	}
	return &watcher{
		fsw: fsw, bus: bus, logger: logger,
		extensions: extSet, ignore: ignore, sessionID: sessionID,
		done: make(chan struct{}),
	}, nil
}

func (w *watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("daemon: watcher error", slog.Any("error", err))
		case <-w.done:
			return
		}
	}
}

func (w *watcher) handle(ev fsnotify.Event) {
	if w.ignored(ev.Name) {
		return
	}
	if len(w.extensions) > 0 && !w.extensions[filepath.Ext(ev.Name)] {
		return
	}
	_ = w.bus.Dispatch(context.Background(), &eventbus.Event{
		Type:      eventbus.EventFileChange,
		SessionID: w.sessionID,
		Payload:   map[string]any{"path": ev.Name, "op": ev.Op.String()},
		At:        time.Now().UTC(),
	})
}

func (w *watcher) ignored(path string) bool {
	for _, pattern := range w.ignore {
		if strings.Contains(path, pattern) {
			return true
		}
	}
	return false
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
	})
}

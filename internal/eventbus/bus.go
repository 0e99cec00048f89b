// Package eventbus dispatches lifecycle-hook events (session_start,
// file_change, context_switch, session_end, frame_closed, suggestion_ready)
// to registered handlers, with per-hook debounce/cooldown (spec §4.10).
// Structure is grounded on the teacher's internal/eventbus.Bus: a
// priority-sorted handler registry plus a resilient dispatch loop where one
// handler's error never stops the others.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultCooldown = 10 * time.Second

	// HookWallBudget bounds one hook invocation (spec §4.10, §5: "Daemon
	// hooks that exceed a 30s wall budget are abandoned and their handler
	// is marked degraded for that invocation").
	HookWallBudget = 30 * time.Second
)

// Bus dispatches events to registered handlers, debouncing bursts and
// enforcing a minimum cooldown between invocations per (handler, event
// type) pair.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	debounce time.Duration
	cooldown time.Duration
	logger   *slog.Logger

	hookMu sync.Mutex
	hooks  map[string]*hookState
}

// hookState coalesces a burst of events for one (handler, event type) pair
// into a single trailing-edge invocation, never firing more often than the
// cooldown permits.
type hookState struct {
	mu        sync.Mutex
	timer     *time.Timer
	pending   *Event
	lastFired time.Time
}

// New creates a Bus with the spec's default debounce/cooldown.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		debounce: DefaultDebounce,
		cooldown: DefaultCooldown,
		logger:   logger,
		hooks:    make(map[string]*hookState),
	}
}

// WithTimings overrides the default debounce/cooldown — used by tests that
// can't wait 2s/10s in real time.
func (b *Bus) WithTimings(debounce, cooldown time.Duration) *Bus {
	b.debounce = debounce
	b.cooldown = cooldown
	return b
}

func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

func (b *Bus) matchingHandlers(t EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, want := range h.Handles() {
			if want == t {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Priority() < matched[j].Priority() })
	return matched
}

// Dispatch routes event to every handler subscribed to its type. Each
// handler's invocation is independently debounced/cooled down — Dispatch
// itself returns immediately once handlers are scheduled, it does not wait
// for them to run (spec §4.10: "hooks must not assume they run on the
// caller's thread").
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	matched := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matched {
		b.scheduleHook(ctx, h, event)
	}
	return nil
}

func (b *Bus) scheduleHook(ctx context.Context, h Handler, event *Event) {
	key := h.ID() + "|" + string(event.Type)

	b.hookMu.Lock()
	st, ok := b.hooks[key]
	if !ok {
		st = &hookState{}
		b.hooks[key] = st
	}
	b.hookMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = event
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(b.debounce, func() { b.fireHook(ctx, h, st) })
}

func (b *Bus) fireHook(ctx context.Context, h Handler, st *hookState) {
	st.mu.Lock()
	sinceLast := time.Since(st.lastFired)
	if !st.lastFired.IsZero() && sinceLast < b.cooldown {
		wait := b.cooldown - sinceLast
		st.timer = time.AfterFunc(wait, func() { b.fireHook(ctx, h, st) })
		st.mu.Unlock()
		return
	}
	event := st.pending
	st.pending = nil
	st.lastFired = time.Now().UTC()
	st.mu.Unlock()

	if event == nil || ctx.Err() != nil {
		return
	}
	b.runWithWallBudget(ctx, h, event)
}

// runWithWallBudget invokes h.Handle, abandoning it (and marking the
// invocation degraded) if it runs past HookWallBudget rather than letting
// one slow hook stall the dispatcher indefinitely (spec §4.10, §5).
func (b *Bus) runWithWallBudget(ctx context.Context, h Handler, event *Event) {
	hookCtx, cancel := context.WithTimeout(ctx, HookWallBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		result := &Result{}
		done <- h.Handle(hookCtx, event, result)
	}()

	select {
	case err := <-done:
		if err != nil {
			b.logger.Warn("eventbus: handler error",
				slog.String("handler", h.ID()), slog.String("event_type", string(event.Type)), slog.Any("error", err))
		}
	case <-hookCtx.Done():
		b.logger.Warn("eventbus: hook abandoned, exceeded wall budget, marked degraded",
			slog.String("handler", h.ID()), slog.String("event_type", string(event.Type)), slog.Duration("budget", HookWallBudget))
	}
}

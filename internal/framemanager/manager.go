// Package framemanager owns the in-memory active frame stack for one
// session (spec §4.4, §9: "per-session Frame Manager instances, no global
// singleton"). Every mutating call takes Manager's write lock before it
// writes to the Store. StartFrame and CloseFrame write inside a Store
// transaction; AppendEvent and AddAnchor write single rows without one.
// Only CloseFrame fires a lifecycle-hook event (frame_closed) onto the
// eventbus.
package framemanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/codec"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/digest"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/scorer"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"

	"sync"
)

// tierBackpressure is the narrow capability framemanager needs from
// internal/tiermanager — just the soft-ceiling check, so close_frame's
// degrade-on-backpressure path (spec §5 "Backpressure") doesn't need a
// direct dependency on the full Manager type.
type tierBackpressure interface {
	IsOverSoftCeiling(ctx context.Context) (bool, error)
}

// DefaultMaxDepth is the frame.max_depth config default (spec §9 open
// question: "leaves the constant to configuration ≥10,000").
const DefaultMaxDepth = 10_000

// Manager owns the active stack for exactly one session.
type Manager struct {
	mu       sync.RWMutex
	store    storage.Storage
	bus      *eventbus.Bus
	session  *types.Session
	stack    []string // frame ids, root first, active top last
	maxDepth int
	nonce    int
	tier     tierBackpressure
	logger   *slog.Logger
}

// New constructs a Manager for session. maxDepth<=0 uses DefaultMaxDepth.
func New(store storage.Storage, bus *eventbus.Bus, session *types.Session, maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Manager{store: store, bus: bus, session: session, maxDepth: maxDepth, logger: slog.Default()}
}

// SetTierManager wires the tier manager's soft-ceiling check into
// close_frame's backpressure path. Optional — a Manager with no tier
// manager set always enqueues migrations.
func (m *Manager) SetTierManager(tier tierBackpressure) { m.tier = tier }

// SetLogger overrides the default slog logger used for backpressure
// warnings.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

func (m *Manager) nextNonce() int {
	m.nonce++
	return m.nonce
}

// StartFrame pushes a new frame as a child of the current stack top (or a
// root if the stack is empty). See spec §4.4 start_frame.
func (m *Manager) StartFrame(ctx context.Context, name string, ftype types.FrameType, constraints []string, definitions map[string]any) (string, error) {
	if name == "" || len(name) > types.MaxFrameNameLen {
		return "", types.NewError(types.CodeInvalidArgument, "name must be 1..200 chars", map[string]any{"len": len(name)})
	}
	if !types.ValidFrameTypes[ftype] {
		return "", types.NewError(types.CodeInvalidFrameType, "unknown frame type", map[string]any{"type": ftype})
	}
	if b, _ := json.Marshal(constraints); len(b) > types.MaxBlobBytes {
		return "", types.NewError(types.CodeInvalidArgument, "constraints exceed 4KB", map[string]any{"len": len(b)})
	}
	if b, _ := json.Marshal(definitions); len(b) > types.MaxBlobBytes {
		return "", types.NewError(types.CodeInvalidArgument, "definitions exceed 4KB", map[string]any{"len": len(b)})
	}
	if m.session.State != types.SessionActive {
		return "", types.NewError(types.CodeSessionNotActive, "session is not active", map[string]any{"session_id": m.session.SessionID})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) >= m.maxDepth {
		return "", types.NewError(types.CodeFrameStackOverflow, "frame depth bound exceeded", map[string]any{"max_depth": m.maxDepth})
	}

	var parent string
	if len(m.stack) > 0 {
		parent = m.stack[len(m.stack)-1]
	}

	now := time.Now().UTC()
	frameID := idgen.NewFrameID(name, now, m.nextNonce())
	frame := &types.Frame{
		FrameID:       frameID,
		SessionID:     m.session.SessionID,
		ProjectID:     m.session.ProjectID,
		ParentFrameID: parent,
		Type:          ftype,
		Name:          name,
		CreatedAt:     now,
		State:         types.FrameStateActive,
		Constraints:   constraints,
		Definitions:   definitions,
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return "", err
	}
	if err := m.store.InsertFrame(ctx, tx, frame); err != nil {
		tx.Rollback()
		return "", err
	}
	openedNote := &types.Event{
		EventID:   idgen.NewEventID(frameID, now, m.nextNonce()),
		FrameID:   frameID,
		EventType: types.EventNote,
		Payload:   []byte(`{"note":"frame opened"}`),
		Ts:        now,
	}
	if err := m.store.AppendEvent(ctx, tx, openedNote); err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", types.Wrap(types.CodeStoreUnavailable, "commit start_frame", err)
	}

	m.stack = append(m.stack, frameID)
	return frameID, nil
}

// AppendEvent appends an append-only event to frameID. See spec §4.4.
func (m *Manager) AppendEvent(ctx context.Context, frameID string, eventType types.EventType, payload []byte) (string, error) {
	if len(payload) > types.MaxPayloadBytes {
		return "", types.NewError(types.CodePayloadTooLarge, "event payload exceeds 1 MiB encoded", map[string]any{"size": len(payload)})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveFrame(frameID) {
		return "", types.NewError(types.CodeInvalidArgument, "frame is not on the active stack", map[string]any{"frame_id": frameID})
	}

	now := time.Now().UTC()
	event := &types.Event{
		EventID:   idgen.NewEventID(frameID, now, m.nextNonce()),
		FrameID:   frameID,
		EventType: eventType,
		Payload:   payload,
		Ts:        now,
	}
	if err := m.store.AppendEvent(ctx, nil, event); err != nil {
		return "", err
	}
	return event.EventID, nil
}

// AddAnchor pins a typed fact to frameID. See spec §4.4.
func (m *Manager) AddAnchor(ctx context.Context, frameID string, atype types.AnchorType, text string, priority int, metadata map[string]any) (string, error) {
	if len(text) > types.MaxAnchorTextLen {
		return "", types.NewError(types.CodeInvalidArgument, "anchor text exceeds 4KB", map[string]any{"len": len(text)})
	}
	if priority == 0 {
		priority = types.DefaultAnchorPriority
	}
	if priority < 1 || priority > 10 {
		return "", types.NewError(types.CodeInvalidArgument, "priority must be 1..10", map[string]any{"priority": priority})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveFrame(frameID) {
		return "", types.NewError(types.CodeInvalidArgument, "frame is not on the active stack", map[string]any{"frame_id": frameID})
	}

	now := time.Now().UTC()
	anchor := &types.Anchor{
		AnchorID:  idgen.NewAnchorID(frameID, now, m.nextNonce()),
		FrameID:   frameID,
		Type:      atype,
		Text:      text,
		Priority:  priority,
		CreatedAt: now,
		Metadata:  metadata,
	}
	if err := m.store.InsertAnchor(ctx, nil, anchor); err != nil {
		return "", err
	}
	return anchor.AnchorID, nil
}

// CloseFrame closes frameID (or the stack top if empty), and all of its
// descendants in LIFO order, per spec §4.4. Returns the digest of the
// originally-requested frame.
func (m *Manager) CloseFrame(ctx context.Context, frameID string, summary string) (*types.FrameDigest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if frameID == "" {
		if len(m.stack) == 0 {
			return nil, types.NewError(types.CodeInvalidArgument, "no active frame to close", nil)
		}
		frameID = m.stack[len(m.stack)-1]
	}

	idx := m.indexOf(frameID)
	if idx < 0 {
		existing, err := m.store.GetFrame(ctx, frameID)
		if err != nil {
			return nil, err
		}
		if existing.State == types.FrameStateClosed {
			return existing.Digest, nil
		}
		return nil, types.NewError(types.CodeInvalidArgument, "frame is not on the active stack", map[string]any{"frame_id": frameID})
	}

	toClose := append([]string(nil), m.stack[idx:]...)
	var target *types.FrameDigest

	for i := len(toClose) - 1; i >= 0; i-- {
		id := toClose[i]
		d, err := m.closeOne(ctx, id, summary)
		if err != nil {
			return nil, err
		}
		if id == frameID {
			target = d
		}
	}
	m.stack = m.stack[:idx]
	return target, nil
}

func (m *Manager) closeOne(ctx context.Context, frameID string, summary string) (*types.FrameDigest, error) {
	frame, err := m.store.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	if frame.State == types.FrameStateClosed {
		return frame.Digest, nil
	}

	events, err := m.store.GetEvents(ctx, frameID, 0)
	if err != nil {
		return nil, err
	}
	anchors, err := m.store.GetAnchors(ctx, frameID)
	if err != nil {
		return nil, err
	}

	closedAt := time.Now().UTC()
	score := scorer.Score(frame, events, anchors, closedAt)
	d := digest.Build(frame, events, anchors, score, summary, closedAt)

	// Freeze the local copy before snapshotting it — the blob must reflect
	// the closed state CloseFrame is about to persist, not the active one
	// GetFrame returned above.
	frame.State = types.FrameStateClosed
	frame.ClosedAt = &closedAt
	frame.Digest = d

	snapshot := types.FrameSnapshot{Frame: frame, Events: events, Anchors: anchors}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, types.Wrap(types.CodeCorruptRecord, "marshal frame snapshot", err)
	}
	blob, ct, err := codec.Encode(raw, types.TierYoung)
	if err != nil {
		return nil, types.Wrap(types.CodeCorruptRecord, "encode frame snapshot", err)
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.store.CloseFrame(ctx, tx, frameID, closedAt, d); err != nil {
		tx.Rollback()
		return nil, err
	}
	item := &types.StorageItem{
		ItemID:          idgen.NewItemID(frameID, closedAt, m.nextNonce()),
		FrameID:         frameID,
		Tier:            types.TierYoung,
		CompressedBlob:  blob,
		CompressionType: ct,
		SizeBytes:       len(blob),
		ImportanceScore: score,
		CreatedAt:       closedAt,
	}
	if err := m.store.UpsertStorageItem(ctx, tx, item); err != nil {
		tx.Rollback()
		return nil, err
	}
	// Backpressure (spec §5): when the migration queue is over its soft
	// ceiling, skip enqueueing and leave the frame at young tier longer
	// rather than grow the queue further.
	skipEnqueue := false
	if m.tier != nil {
		if over, tierErr := m.tier.IsOverSoftCeiling(ctx); tierErr == nil && over {
			skipEnqueue = true
			m.logger.Warn("close_frame: migration queue over soft ceiling, skipping enqueue", "frame_id", frameID)
		}
	}
	if !skipEnqueue {
		entry := &types.MigrationQueueEntry{
			ItemID:     item.ItemID,
			FrameID:    frameID,
			FromTier:   types.TierYoung,
			ToTier:     types.TierMature,
			Trigger:    types.TriggerAge,
			EnqueuedAt: closedAt,
		}
		if err := m.store.EnqueueMigration(ctx, tx, entry); err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "commit close_frame", err)
	}

	if m.bus != nil {
		_ = m.bus.Dispatch(ctx, &eventbus.Event{
			Type:      eventbus.EventFrameClosed,
			SessionID: m.session.SessionID,
			FrameID:   frameID,
			Payload:   map[string]any{"status": string(d.Status)},
			At:        closedAt,
		})
	}
	return d, nil
}

func (m *Manager) isActiveFrame(frameID string) bool {
	return m.indexOf(frameID) >= 0
}

func (m *Manager) indexOf(frameID string) int {
	for i, id := range m.stack {
		if id == frameID {
			return i
		}
	}
	return -1
}

// FramePreview is one entry of a HotStack: a frame header plus its most
// recent events.
type FramePreview struct {
	Frame        *types.Frame
	RecentEvents []*types.Event
	AnchorCount  int
}

// HotStack is the bounded, cheap snapshot returned by get_hot_stack.
type HotStack struct {
	SessionID string
	Frames    []FramePreview // top of stack first
}

// GetHotStack returns frames currently on the active stack with recent-event
// previews and anchor counts, most-recently-pushed first. See spec §4.4.
func (m *Manager) GetHotStack(ctx context.Context, maxEventsPerFrame int) (*HotStack, error) {
	if maxEventsPerFrame <= 0 {
		maxEventsPerFrame = 10
	}
	m.mu.RLock()
	ids := append([]string(nil), m.stack...)
	m.mu.RUnlock()

	hs := &HotStack{SessionID: m.session.SessionID}
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		frame, err := m.store.GetFrame(ctx, id)
		if err != nil {
			return nil, err
		}
		events, err := m.store.GetEvents(ctx, id, maxEventsPerFrame)
		if err != nil {
			return nil, err
		}
		anchors, err := m.store.GetAnchors(ctx, id)
		if err != nil {
			return nil, err
		}
		hs.Frames = append(hs.Frames, FramePreview{Frame: frame, RecentEvents: events, AnchorCount: len(anchors)})
	}
	return hs, nil
}

// StackDepth returns the current stack depth (for diagnostics/metrics).
func (m *Manager) StackDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stack)
}

// SessionID returns the session this Manager is bound to.
func (m *Manager) SessionID() string { return m.session.SessionID }

// RehydrateStack rebuilds the in-memory stack from the Store's open frames
// for this session, the resumed-process half of spec §4.1 resolve_session /
// E5 "session resume": a new process inherits no in-memory state, so on
// resuming a still-active session it must reconstruct the stack-of-ids from
// parent_frame_id chains before get_hot_stack or close_frame can see the
// open frame left by the prior process.
func (m *Manager) RehydrateStack(ctx context.Context) error {
	open, err := m.store.SelectFramesBySession(ctx, m.session.SessionID, types.FrameStateActive)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	byParent := make(map[string][]*types.Frame, len(open))
	byID := make(map[string]*types.Frame, len(open))
	for _, f := range open {
		byParent[f.ParentFrameID] = append(byParent[f.ParentFrameID], f)
		byID[f.FrameID] = f
	}

	var chain []string
	parent := ""
	for {
		children := byParent[parent]
		if len(children) == 0 {
			break
		}
		// At most one open child should exist per ancestor on a single
		// linear stack; if discovery ever finds a fork, prefer the most
		// recently created branch.
		newest := children[0]
		for _, c := range children[1:] {
			if c.CreatedAt.After(newest.CreatedAt) {
				newest = c
			}
		}
		chain = append(chain, newest.FrameID)
		parent = newest.FrameID
	}

	m.mu.Lock()
	m.stack = chain
	m.mu.Unlock()
	return nil
}

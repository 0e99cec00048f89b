// Package memory implements storage.Storage entirely in process memory.
// It backs STACKMEMORY_TEST_SKIP_DB=1 runs and the engine's own unit tests
// — see spec §6 "Environment variables".
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Store is a single-process, mutex-guarded implementation of
// storage.Storage. It never persists to disk; every instance starts empty.
type Store struct {
	mu sync.Mutex

	projects map[string]*types.Project
	sessions map[string]*types.Session
	frames   map[string]*types.Frame
	events   map[string][]*types.Event // frameID -> events, append order preserved
	anchors  map[string][]*types.Anchor
	tasks    map[string]*types.Task
	taskDeps map[string][]string

	items map[string]*types.StorageItem // frameID -> item
	queue []*types.MigrationQueueEntry

	config map[string]string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		projects: map[string]*types.Project{},
		sessions: map[string]*types.Session{},
		frames:   map[string]*types.Frame{},
		events:   map[string][]*types.Event{},
		anchors:  map[string][]*types.Anchor{},
		tasks:    map[string]*types.Task{},
		taskDeps: map[string][]string{},
		items:    map[string]*types.StorageItem{},
		config:   map[string]string{},
	}
}

// memTx is a no-op transaction: the Store mutex already serializes every
// call, and memory writes either fully happen or don't, so begin/commit/
// rollback exist only to satisfy the interface's transactional-operation
// contract for callers that span multiple Storage calls in one logical op.
type memTx struct{ committed, rolledBack bool }

func (t *memTx) Commit() error   { t.committed = true; return nil }
func (t *memTx) Rollback() error { t.rolledBack = true; return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	return &memTx{}, nil
}

func (s *Store) Close() error { return nil }

// --- Projects / Sessions ---

func (s *Store) EnsureProject(ctx context.Context, p *types.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ProjectID]; ok {
		return nil
	}
	cp := *p
	s.projects[p.ProjectID] = &cp
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "project not found", map[string]any{"project_id": projectID})
	}
	cp := *p
	return &cp, nil
}

func (s *Store) InsertSession(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; ok {
		return types.NewError(types.CodeConflict, "duplicate session id", map[string]any{"session_id": sess.SessionID})
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.SessionID]; !ok {
		return types.NewError(types.CodeNotFound, "session not found", map[string]any{"session_id": sess.SessionID})
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "session not found", map[string]any{"session_id": sessionID})
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) SelectSessions(ctx context.Context, f storage.SessionFilter, limit int) ([]*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, sess := range s.sessions {
		if f.ProjectID != "" && sess.ProjectID != f.ProjectID {
			continue
		}
		if f.Branch != "" && sess.Branch != f.Branch {
			continue
		}
		if f.State != "" && sess.State != f.State {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Frames ---

func (s *Store) InsertFrame(ctx context.Context, tx storage.Tx, f *types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[f.FrameID]; ok {
		return types.NewError(types.CodeConflict, "duplicate frame id", map[string]any{"frame_id": f.FrameID})
	}
	cp := *f
	s.frames[f.FrameID] = &cp
	return nil
}

func (s *Store) CloseFrame(ctx context.Context, tx storage.Tx, frameID string, closedAt time.Time, digest *types.FrameDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[frameID]
	if !ok {
		return types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": frameID})
	}
	f.State = types.FrameStateClosed
	ts := closedAt
	f.ClosedAt = &ts
	f.Digest = digest
	return nil
}

func (s *Store) GetFrame(ctx context.Context, frameID string) (*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.frames[frameID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": frameID})
	}
	cp := *f
	return &cp, nil
}

func (s *Store) GetFrames(ctx context.Context, frameIDs []string) ([]*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Frame, 0, len(frameIDs))
	for _, id := range frameIDs {
		if f, ok := s.frames[id]; ok {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SelectFramesBySession(ctx context.Context, sessionID string, state types.FrameState) ([]*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Frame
	for _, f := range s.frames {
		if f.SessionID != sessionID {
			continue
		}
		if state != "" && f.State != state {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ChildFrames(ctx context.Context, parentFrameID string) ([]*types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Frame
	for _, f := range s.frames {
		if f.ParentFrameID == parentFrameID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, tx storage.Tx, e *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[e.FrameID]; !ok {
		return types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": e.FrameID})
	}
	cp := *e
	s.events[e.FrameID] = append(s.events[e.FrameID], &cp)
	return nil
}

func (s *Store) GetEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[frameID]
	if limit <= 0 || limit >= len(evs) {
		out := make([]*types.Event, len(evs))
		copy(out, evs)
		return out, nil
	}
	// Most-recent `limit` events, preserving call order.
	start := len(evs) - limit
	out := make([]*types.Event, limit)
	copy(out, evs[start:])
	return out, nil
}

func (s *Store) EventCount(ctx context.Context, frameID string, kinds ...types.EventType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(kinds) == 0 {
		return len(s.events[frameID]), nil
	}
	want := map[types.EventType]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	n := 0
	for _, e := range s.events[frameID] {
		if want[e.EventType] {
			n++
		}
	}
	return n, nil
}

// --- Anchors ---

func (s *Store) InsertAnchor(ctx context.Context, tx storage.Tx, a *types.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.frames[a.FrameID]; !ok {
		return types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": a.FrameID})
	}
	cp := *a
	s.anchors[a.FrameID] = append(s.anchors[a.FrameID], &cp)
	return nil
}

func (s *Store) GetAnchors(ctx context.Context, frameID string) ([]*types.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as := s.anchors[frameID]
	out := make([]*types.Anchor, len(as))
	copy(out, as)
	return out, nil
}

func (s *Store) SelectAnchorsBySession(ctx context.Context, sessionID string) ([]*types.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var frameIDs []string
	for _, f := range s.frames {
		if f.SessionID == sessionID {
			frameIDs = append(frameIDs, f.FrameID)
		}
	}
	var out []*types.Anchor
	for _, fid := range frameIDs {
		for _, a := range s.anchors[fid] {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// --- Tasks ---

func (s *Store) InsertTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.TaskID]; ok {
		return types.NewError(types.CodeConflict, "duplicate task id", map[string]any{"task_id": t.TaskID})
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.TaskID]; !ok {
		return types.NewError(types.CodeNotFound, "task not found", map[string]any{"task_id": t.TaskID})
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "task not found", map[string]any{"task_id": taskID})
	}
	cp := *t
	return &cp, nil
}

func (s *Store) SelectActiveTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Task
	for _, t := range s.tasks {
		if t.Status == types.TaskCompleted || t.Status == types.TaskCancelled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TaskMetrics(ctx context.Context) (*types.TaskMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &types.TaskMetrics{ByStatus: map[string]int{}, ByPriority: map[string]int{}}
	var progressSum float64
	for _, t := range s.tasks {
		m.Total++
		m.ByStatus[string(t.Status)]++
		m.ByPriority[string(t.Priority)]++
		progressSum += float64(t.Progress)
	}
	if m.Total > 0 {
		m.AvgProgress = progressSum / float64(m.Total)
	}
	return m, nil
}

func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return types.NewError(types.CodeNotFound, "task not found", map[string]any{"task_id": taskID})
	}
	if _, ok := s.tasks[dependsOnID]; !ok {
		return types.NewError(types.CodeNotFound, "depends_on task not found", map[string]any{"task_id": dependsOnID})
	}
	s.taskDeps[taskID] = append(s.taskDeps[taskID], dependsOnID)
	return nil
}

// --- Tier layer ---

func (s *Store) UpsertStorageItem(ctx context.Context, tx storage.Tx, item *types.StorageItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[item.FrameID]; ok {
		if !types.Advances(existing.Tier, item.Tier) {
			return types.NewError(types.CodeConflict, "tier may not regress", map[string]any{
				"frame_id": item.FrameID, "from": existing.Tier, "to": item.Tier,
			})
		}
	}
	cp := *item
	s.items[item.FrameID] = &cp
	return nil
}

func (s *Store) GetStorageItem(ctx context.Context, frameID string) (*types.StorageItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[frameID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "storage item not found", map[string]any{"frame_id": frameID})
	}
	cp := *it
	return &cp, nil
}

func (s *Store) EnqueueMigration(ctx context.Context, tx storage.Tx, m *types.MigrationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *Store) ClaimMigrationBatch(ctx context.Context, n int, leaseHolder string, leaseTTL time.Duration) ([]*types.MigrationQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	// Age-triggered items sort before size-triggered (spec §5 FIFO-per-band).
	sort.SliceStable(s.queue, func(i, j int) bool {
		pi, pj := triggerBand(s.queue[i].Trigger), triggerBand(s.queue[j].Trigger)
		if pi != pj {
			return pi < pj
		}
		return s.queue[i].EnqueuedAt.Before(s.queue[j].EnqueuedAt)
	})

	var claimed []*types.MigrationQueueEntry
	for _, m := range s.queue {
		if len(claimed) >= n {
			break
		}
		if m.LeaseUntil != nil && m.LeaseUntil.After(now) {
			continue // still leased by someone else
		}
		until := now.Add(leaseTTL)
		m.LeaseUntil = &until
		m.LeaseHolder = leaseHolder
		cp := *m
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func triggerBand(t types.MigrationTrigger) int {
	switch t {
	case types.TriggerAge:
		return 0
	case types.TriggerSize:
		return 1
	default:
		return 2
	}
}

func (s *Store) CompleteMigration(ctx context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.queue {
		if m.ItemID == itemID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) RequeueMigration(ctx context.Context, m *types.MigrationQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.ItemID == m.ItemID {
			cp := *m
			cp.LeaseUntil = nil
			cp.LeaseHolder = ""
			s.queue[i] = &cp
			return nil
		}
	}
	cp := *m
	s.queue = append(s.queue, &cp)
	return nil
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

// --- Full text (naive TF scoring; good enough for tests and small corpora) ---

func (s *Store) SearchFulltext(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]storage.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	wantKind := map[string]bool{}
	for _, k := range f.Kinds {
		wantKind[k] = true
	}

	var hits []storage.SearchHit
	for _, frame := range s.frames {
		if f.ProjectID != "" && frame.ProjectID != f.ProjectID {
			continue
		}
		if f.SessionID != "" && frame.SessionID != f.SessionID {
			continue
		}
		if len(wantKind) == 0 || wantKind["frame"] {
			if score := bm25ish(frame.Name, terms); score > 0 {
				hits = append(hits, storage.SearchHit{FrameID: frame.FrameID, Kind: "frame", Snippet: frame.Name, BM25Score: score, CreatedAt: frame.CreatedAt})
			}
		}
		if len(wantKind) == 0 || wantKind["event"] {
			for _, e := range s.events[frame.FrameID] {
				if score := bm25ish(string(e.Payload), terms); score > 0 {
					hits = append(hits, storage.SearchHit{FrameID: frame.FrameID, Kind: "event", Snippet: snippet(string(e.Payload)), BM25Score: score, CreatedAt: e.Ts})
				}
			}
		}
		if len(wantKind) == 0 || wantKind["anchor"] {
			for _, a := range s.anchors[frame.FrameID] {
				if score := bm25ish(a.Text, terms); score > 0 {
					hits = append(hits, storage.SearchHit{FrameID: frame.FrameID, Kind: "anchor", Snippet: a.Text, BM25Score: score, CreatedAt: a.CreatedAt})
				}
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].BM25Score > hits[j].BM25Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	})
}

// bm25ish is a simplified single-document relevance score: term frequency
// dampened logarithmically, summed over query terms present in the text.
// It is not real BM25 (no corpus-wide IDF/avgdl) but preserves the ranking
// properties the Retriever's re-ranker depends on.
func bm25ish(text string, queryTerms []string) float64 {
	docTerms := tokenize(text)
	if len(docTerms) == 0 {
		return 0
	}
	freq := map[string]int{}
	for _, t := range docTerms {
		freq[t]++
	}
	var score float64
	for _, qt := range queryTerms {
		if f, ok := freq[qt]; ok {
			score += 1.0 + math.Log(1.0+float64(f))
		}
	}
	return score
}

func snippet(s string) string {
	if len(s) <= 160 {
		return s
	}
	return s[:160]
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config[key], nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

var _ storage.Storage = (*Store)(nil)

// ErrUnsupported is returned by operations memory intentionally never
// implements (none currently — kept for parity with other backends' error
// surfaces in case a future capability is backend-specific).
var ErrUnsupported = fmt.Errorf("memory: unsupported operation")

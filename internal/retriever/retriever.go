// Package retriever answers get_context by assembling anchors, hot-stack
// frames, and lexical/semantic search hits into a token-budgeted
// ContextBundle (spec §4.7). Every stage is best-effort: a stage that
// errors is logged and skipped rather than failing the whole call, so the
// caller always gets at least the anchor sweep back.
package retriever

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/query"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Weights for lexical re-ranking (spec §4.7 step 4).
const (
	WeightBM25       = 0.6
	WeightImportance = 0.3
	WeightRecency    = 0.1
	RecencyHalfLife  = 7 * 24 * time.Hour

	AnchorBudgetFraction   = 0.40
	HotStackBudgetFraction = 0.30

	SemanticTimeout = 500 * time.Millisecond
	SemanticTopK    = 10
)

// AnchorView is one anchor surfaced in a ContextBundle.
type AnchorView struct {
	Type     types.AnchorType `json:"type"`
	Text     string           `json:"text"`
	Priority int              `json:"priority"`
}

// HotStackFrame is one frame header + recent events in the bundle's
// hot_stack section.
type HotStackFrame struct {
	Frame        *types.Frame   `json:"frame"`
	Constraints  []string       `json:"constraints,omitempty"`
	RecentEvents []*types.Event `json:"recent_events,omitempty"`
}

// RelevantDigest is one retrieved-by-search frame, carrying its digest (or
// top events if no digest exists yet) and the re-ranked score it was
// selected with.
type RelevantDigest struct {
	Frame  *types.Frame       `json:"frame"`
	Digest *types.FrameDigest `json:"digest,omitempty"`
	Events []*types.Event     `json:"events,omitempty"`
	Score  float64            `json:"score"`
}

// ContextBundle is the output shape of get_context (spec §4.7).
type ContextBundle struct {
	HotStack        []HotStackFrame  `json:"hot_stack"`
	Anchors         []AnchorView     `json:"anchors"`
	RelevantDigests []RelevantDigest `json:"relevant_digests"`
	Pointers        []string         `json:"pointers,omitempty"`
	TotalTokens     int              `json:"total_tokens"`
	Truncated       bool             `json:"truncated"`
}

// Filters narrows get_context's search scope (mirrors storage.SearchFilters
// plus the session needed for the anchor sweep / hot-stack slice).
type Filters struct {
	ProjectID string
	SessionID string
	Kinds     []string

	// Since is an optional English relative-date phrase ("yesterday", "3
	// days ago") narrowing results to anchors/frames created after it.
	// Parsed via internal/query.ParseSince; an unparseable phrase is
	// logged and ignored rather than failing the whole query.
	Since string
}

// Retriever assembles ContextBundles.
type Retriever struct {
	store     storage.Storage
	semantic  SemanticIndex
	estimator TokenEstimator
	logger    *slog.Logger
}

// Option configures a Retriever at construction.
type Option func(*Retriever)

// WithSemanticIndex registers an optional semantic-augmentation backend.
func WithSemanticIndex(idx SemanticIndex) Option { return func(r *Retriever) { r.semantic = idx } }

// WithTokenEstimator overrides the default 4-bytes-per-token estimator.
func WithTokenEstimator(e TokenEstimator) Option { return func(r *Retriever) { r.estimator = e } }

func New(store storage.Storage, logger *slog.Logger, opts ...Option) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Retriever{store: store, estimator: DefaultByteEstimator, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetContext implements the spec §4.7 algorithm.
func (r *Retriever) GetContext(ctx context.Context, q string, budgetTokens int, f Filters) (*ContextBundle, error) {
	if budgetTokens <= 0 {
		budgetTokens = 10_000
	}
	bundle := &ContextBundle{}
	remaining := budgetTokens

	var sinceCutoff time.Time
	if f.Since != "" {
		cutoff, err := query.ParseSince(f.Since, time.Now())
		if err != nil {
			r.logger.Warn("retriever: ignoring unparseable since filter", slog.String("since", f.Since), slog.Any("error", err))
		} else {
			sinceCutoff = cutoff
		}
	}

	// 1. Anchor sweep — up to 40% of budget.
	anchorBudget := int(float64(budgetTokens) * AnchorBudgetFraction)
	anchors, err := r.store.SelectAnchorsBySession(ctx, f.SessionID)
	if err != nil {
		r.logger.Warn("retriever: anchor sweep failed", slog.Any("error", err))
		anchors = nil
	}
	used := 0
	for _, a := range anchors {
		if !sinceCutoff.IsZero() && a.CreatedAt.Before(sinceCutoff) {
			continue
		}
		cost := r.estimator.Estimate(a.Text)
		if used+cost > anchorBudget {
			bundle.Truncated = true
			break
		}
		bundle.Anchors = append(bundle.Anchors, AnchorView{Type: a.Type, Text: a.Text, Priority: a.Priority})
		used += cost
	}
	remaining -= used

	// 2. Hot-stack slice — top frames of the active stack, fit ≤30% of
	// what's left after anchors.
	hotBudget := int(float64(remaining) * HotStackBudgetFraction)
	frames, err := r.store.SelectFramesBySession(ctx, f.SessionID, types.FrameStateActive)
	if err != nil {
		r.logger.Warn("retriever: hot-stack fetch failed", slog.Any("error", err))
		frames = nil
	}
	used = 0
	for i := len(frames) - 1; i >= 0; i-- { // most recently opened first
		fr := frames[i]
		if !sinceCutoff.IsZero() && fr.CreatedAt.Before(sinceCutoff) {
			continue
		}
		events, _ := r.store.GetEvents(ctx, fr.FrameID, 10)
		cost := r.estimator.Estimate(fr.Name) + eventsCost(r.estimator, events)
		if used+cost > hotBudget {
			bundle.Truncated = true
			break
		}
		bundle.HotStack = append(bundle.HotStack, HotStackFrame{Frame: fr, Constraints: fr.Constraints, RecentEvents: events})
		used += cost
	}
	remaining -= used

	// 3. Query routing.
	mode := query.Classify(q)
	if mode == query.ModeEmpty {
		bundle.TotalTokens = budgetTokens - remaining
		return bundle, nil
	}

	// 4. Lexical match.
	hits, err := r.store.SearchFulltext(ctx, q, storage.SearchFilters{ProjectID: f.ProjectID, SessionID: f.SessionID, Kinds: f.Kinds}, 50)
	if err != nil {
		r.logger.Warn("retriever: lexical search failed", slog.Any("error", err))
		hits = nil
	}
	ranked := r.rerank(ctx, hits)

	// 5. Semantic augmentation (optional, best-effort, 500ms hard timeout).
	if mode == query.ModeSemantic && r.semantic != nil {
		semCtx, cancel := context.WithTimeout(ctx, SemanticTimeout)
		semHits, semErr := r.semantic.Query(semCtx, q, SemanticTopK)
		cancel()
		if semErr != nil {
			r.logger.Warn("retriever: semantic augmentation skipped", slog.Any("error", semErr))
		} else {
			ranked = fuseReciprocalRank(ranked, semHits)
		}
	}

	// 6. Assembly — dedupe by frame_id, fill digest or top-3 events,
	// truncate to remaining budget.
	seen := map[string]bool{}
	for _, hit := range ranked {
		if seen[hit.frameID] {
			continue
		}
		seen[hit.frameID] = true
		frame, ferr := r.store.GetFrame(ctx, hit.frameID)
		if ferr != nil {
			continue
		}
		rd := RelevantDigest{Frame: frame, Score: hit.score}
		cost := r.estimator.Estimate(frame.Name)
		if frame.Digest != nil {
			rd.Digest = frame.Digest
			cost += r.estimator.Estimate(frame.Digest.Summary)
		} else {
			events, _ := r.store.GetEvents(ctx, hit.frameID, 3)
			rd.Events = events
			cost += eventsCost(r.estimator, events)
		}
		if cost > remaining {
			bundle.Truncated = true
			break
		}
		bundle.RelevantDigests = append(bundle.RelevantDigests, rd)
		remaining -= cost
	}

	bundle.TotalTokens = budgetTokens - remaining
	return bundle, nil
}

type rankedHit struct {
	frameID string
	score   float64
}

// rerank applies α·bm25 + β·importance_score + γ·recency_decay (spec §4.7
// step 4). importance_score comes from the frame's storage item, the same
// value internal/scorer computed when the frame closed.
func (r *Retriever) rerank(ctx context.Context, hits []storage.SearchHit) []rankedHit {
	now := time.Now().UTC()
	out := make([]rankedHit, 0, len(hits))
	for _, h := range hits {
		recency := recencyDecay(h.CreatedAt, now)
		importance := 0
		if item, err := r.store.GetStorageItem(ctx, h.FrameID); err == nil {
			importance = item.ImportanceScore
		}
		score := WeightBM25*h.BM25Score + WeightImportance*float64(importance) + WeightRecency*recency
		out = append(out, rankedHit{frameID: h.FrameID, score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// recencyDecay returns a 0..1 exponential decay value with a 7-day
// half-life (spec §4.7 step 4).
func recencyDecay(t, now time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	halfLives := float64(age) / float64(RecencyHalfLife)
	return math.Pow(0.5, halfLives)
}

// fuseReciprocalRank merges lexical and semantic rankings by reciprocal
// rank fusion (spec §4.7 step 5).
func fuseReciprocalRank(lexical []rankedHit, semantic []SemanticHit) []rankedHit {
	const k = 60.0 // standard RRF constant
	scores := map[string]float64{}
	for i, h := range lexical {
		scores[h.frameID] += 1.0 / (k + float64(i+1))
	}
	for i, h := range semantic {
		scores[h.FrameID] += 1.0 / (k + float64(i+1))
	}
	out := make([]rankedHit, 0, len(scores))
	for id, s := range scores {
		out = append(out, rankedHit{frameID: id, score: s})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func eventsCost(est TokenEstimator, events []*types.Event) int {
	cost := 0
	for _, e := range events {
		cost += est.Estimate(string(e.Payload))
	}
	return cost
}

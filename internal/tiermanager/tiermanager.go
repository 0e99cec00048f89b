// Package tiermanager owns tier transitions for closed frames: young →
// mature → old → archive, applying each tier's retention policy and codec,
// with a claim-and-lease queue so several workers never race on the same
// migration (spec §4.6). Retry on failure is exponential backoff via
// cenkalti/backoff/v4, mirroring the teacher's
// internal/storage/dolt.newServerRetryBackoff for transient-connection
// retry — same library, same "bounded elapsed time, then give up in-band"
// shape, applied here to migration attempts instead of DB connections.
package tiermanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/codec"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/jsonl"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/lockfile"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Defaults from spec §4.6.
const (
	DefaultBatchSize     = 50
	DefaultInterval      = 60 * time.Second
	DefaultLeaseTTL      = 2 * time.Minute
	MaxAttempts          = 5
	DefaultLocalSizeCap  = 2 << 30 // 2 GiB
	PromotionWindow      = time.Hour
	PromotionThreshold   = 3
	DefaultSoftQueueCeil = 10_000
	DefaultWorkers       = 4
)

// tierTracer is the OTel tracer for migration spans. It uses the global
// provider, which is a no-op until internal/telemetry.Init runs.
var tierTracer = otel.Tracer("github.com/jonathanpeterwu/stackmemory-sub004/tiermanager")

// tierMetrics holds OTel metric instruments for the migration loop.
// Instruments are registered against the global delegating provider at
// init time, so they forward to the real provider once telemetry.Init runs.
var tierMetrics struct {
	migrated metric.Int64Counter
	offlined metric.Int64Counter
	batchMs  metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/jonathanpeterwu/stackmemory-sub004/tiermanager")
	tierMetrics.migrated, _ = m.Int64Counter("stackmemory.tier.migrated",
		metric.WithDescription("Storage items successfully advanced to their next tier"),
		metric.WithUnit("{item}"),
	)
	tierMetrics.offlined, _ = m.Int64Counter("stackmemory.tier.offlined",
		metric.WithDescription("Migrations that exhausted in-band retries and were written to the offline queue"),
		metric.WithUnit("{item}"),
	)
	tierMetrics.batchMs, _ = m.Float64Histogram("stackmemory.tier.batch_ms",
		metric.WithDescription("Wall-clock time to claim and process one migration batch"),
		metric.WithUnit("ms"),
	)
}

// AgeWindows maps each tier to the age at which items already in it become
// eligible to advance (spec §4.6 table).
var AgeWindows = map[types.Tier]time.Duration{
	types.TierYoung:  24 * time.Hour,
	types.TierMature: 7 * 24 * time.Hour,
	types.TierOld:    30 * 24 * time.Hour,
}

// NextTier returns the tier immediately after t, or "" if t is terminal.
func NextTier(t types.Tier) types.Tier {
	switch t {
	case types.TierYoung:
		return types.TierMature
	case types.TierMature:
		return types.TierOld
	case types.TierOld:
		return types.TierArchive
	default:
		return ""
	}
}

// RetentionPolicy determines which events survive a migration into target.
// mature keeps decision/error/anchor-referenced events, drops chatty
// tool_result payloads; old keeps only decisions/errors/anchors/the frame
// header; archive is the same as old, persisted indefinitely if configured.
func RetentionPolicy(target types.Tier, et types.EventType) bool {
	switch target {
	case types.TierMature:
		switch et {
		case types.EventDecisionLog, types.EventError, types.EventAnchorAdd:
			return true
		case types.EventToolResult:
			return false
		default:
			return true
		}
	case types.TierOld, types.TierArchive:
		switch et {
		case types.EventDecisionLog, types.EventError, types.EventAnchorAdd:
			return true
		default:
			return false
		}
	default:
		return true
	}
}

// applyRetentionPolicy unmarshals raw as a types.FrameSnapshot and drops
// every event RetentionPolicy rejects for target, leaving the frame header
// and anchors untouched. raw is returned unchanged if it doesn't decode as
// a snapshot (e.g. a pre-existing empty blob), so migration never fails a
// storage item that predates snapshotting.
func applyRetentionPolicy(raw []byte, target types.Tier) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var snapshot types.FrameSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return raw, nil
	}

	kept := snapshot.Events[:0:0]
	for _, e := range snapshot.Events {
		if RetentionPolicy(target, e.EventType) {
			kept = append(kept, e)
		}
	}
	snapshot.Events = kept

	return json.Marshal(snapshot)
}

// offlineEntry is what gets appended to offline-queue.json once a
// migration has exhausted its in-band retry budget.
type offlineEntry struct {
	ItemID    string    `json:"item_id"`
	FrameID   string    `json:"frame_id"`
	FromTier  string    `json:"from_tier"`
	ToTier    string    `json:"to_tier"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// accessRecord tracks hot-access counts for promotion (spec §4.6
// "accessed more than 3 times in 1 hour" → re-decode and cache, tier
// unchanged).
type accessRecord struct {
	count     int
	windowEnd time.Time
}

// Manager runs the background migration loop inside the Daemon.
type Manager struct {
	store            storage.Storage
	bus              *eventbus.Bus
	logger           *slog.Logger
	offlineQueuePath string
	lockDir          string
	leaseHolder      string

	batchSize   int
	interval    time.Duration
	leaseTTL    time.Duration
	localCap    int64
	softCeiling int
	workers     int

	mu       sync.Mutex
	access   map[string]*accessRecord
	hotCache map[string][]byte // frame_id -> decoded blob, promotion cache
}

// Option configures a Manager at construction.
type Option func(*Manager)

func WithBatchSize(n int) Option          { return func(m *Manager) { m.batchSize = n } }
func WithInterval(d time.Duration) Option { return func(m *Manager) { m.interval = d } }
func WithLeaseTTL(d time.Duration) Option { return func(m *Manager) { m.leaseTTL = d } }
func WithLocalSizeCap(n int64) Option     { return func(m *Manager) { m.localCap = n } }
func WithSoftQueueCeiling(n int) Option   { return func(m *Manager) { m.softCeiling = n } }
func WithLockDir(dir string) Option       { return func(m *Manager) { m.lockDir = dir } }
func WithWorkers(n int) Option            { return func(m *Manager) { m.workers = n } }

// New constructs a Manager. offlineQueuePath is where exhausted migrations
// are recorded (spec §4.6 "offline-retry file"); leaseHolder identifies
// this process/worker in the claim-and-lease protocol.
func New(store storage.Storage, bus *eventbus.Bus, logger *slog.Logger, offlineQueuePath, leaseHolder string, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:            store,
		bus:              bus,
		logger:           logger,
		offlineQueuePath: offlineQueuePath,
		lockDir:          os.TempDir() + "/stackmemory-frame-locks",
		leaseHolder:      leaseHolder,
		batchSize:        DefaultBatchSize,
		interval:         DefaultInterval,
		leaseTTL:         DefaultLeaseTTL,
		localCap:         DefaultLocalSizeCap,
		softCeiling:      DefaultSoftQueueCeil,
		workers:          DefaultWorkers,
		access:           make(map[string]*accessRecord),
		hotCache:         make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	_ = os.MkdirAll(m.lockDir, 0o755)
	return m
}

// IsOverSoftCeiling reports whether the migration queue currently exceeds
// its soft ceiling — callers (Frame Manager) consult this to decide whether
// to degrade close_frame and skip enqueueing (spec §5 "Backpressure").
func (m *Manager) IsOverSoftCeiling(ctx context.Context) (bool, error) {
	depth, err := m.store.QueueDepth(ctx)
	if err != nil {
		return false, err
	}
	return depth > m.softCeiling, nil
}

// Run executes the background loop until ctx is cancelled, claiming and
// processing one batch per interval tick.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Warn("tiermanager: batch failed", slog.Any("error", err))
			}
		}
	}
}

// RunOnce claims and processes a single batch; exported so tests and the
// daemon's manual "migrate now" path can drive it synchronously. Entries
// are processed concurrently (bounded by m.workers) since each one holds
// its own per-frame flock, so distinct frames never contend with each
// other — only the per-frame lock in processEntry serializes same-frame
// work, which a single claim batch never contains twice.
func (m *Manager) RunOnce(ctx context.Context) error {
	start := time.Now()
	ctx, span := tierTracer.Start(ctx, "tiermanager.batch")
	defer span.End()

	batch, err := m.store.ClaimMigrationBatch(ctx, m.batchSize, m.leaseHolder, m.leaseTTL)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, entry := range batch {
		entry := entry
		g.Go(func() error {
			m.processEntry(gctx, entry)
			return nil
		})
	}
	err = g.Wait()

	tierMetrics.batchMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("stackmemory.tier.batch_size", len(batch))))
	return err
}

func (m *Manager) processEntry(ctx context.Context, entry *types.MigrationQueueEntry) {
	ctx, span := tierTracer.Start(ctx, "tiermanager.migrate_entry", trace.WithAttributes(
		attribute.String("stackmemory.frame_id", entry.FrameID),
		attribute.String("stackmemory.from_tier", string(entry.FromTier)),
		attribute.String("stackmemory.to_tier", string(entry.ToTier)),
	))
	defer span.End()

	lock := lockfile.New(m.frameLockPath(entry.FrameID))
	if err := lock.TryLock(); err != nil {
		// Another writer holds this frame; leave it for the next tick —
		// spec §4.6 "must never run a migration for a frame_id with an
		// active (uncommitted) write."
		_ = m.store.RequeueMigration(ctx, entry)
		return
	}
	defer lock.Unlock()

	// Quick in-tick retry for transient errors (lock contention inside the
	// store, a busy connection pool); entry.Attempts tracks the slower,
	// cross-tick failure count that eventually degrades to offline.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	err := backoff.Retry(func() error {
		return m.migrateOnce(ctx, entry)
	}, backoff.WithContext(bo, ctx))

	if err == nil {
		_ = m.store.CompleteMigration(ctx, entry.ItemID)
		tierMetrics.migrated.Add(ctx, 1)
		return
	}

	entry.Attempts++
	if entry.Attempts >= MaxAttempts {
		m.writeOffline(entry, err)
		_ = m.store.CompleteMigration(ctx, entry.ItemID) // drop from in-band queue
		tierMetrics.offlined.Add(ctx, 1)
		span.RecordError(err)
		return
	}
	if rqErr := m.store.RequeueMigration(ctx, entry); rqErr != nil {
		m.logger.Warn("tiermanager: requeue failed", slog.String("item_id", entry.ItemID), slog.Any("error", rqErr))
	}
}

func (m *Manager) migrateOnce(ctx context.Context, entry *types.MigrationQueueEntry) error {
	item, err := m.store.GetStorageItem(ctx, entry.FrameID)
	if err != nil {
		return err
	}
	if item.Tier == entry.ToTier || !types.Advances(item.Tier, entry.ToTier) {
		// Already at or beyond the target tier — idempotent no-op
		// (spec §4.6 "migrations are idempotent by (item_id, target_tier)").
		return nil
	}

	var raw []byte
	if len(item.CompressedBlob) > 0 {
		raw, err = codec.Decode(item.CompressedBlob, item.CompressionType)
		if err != nil {
			return err
		}
	}

	raw, err = applyRetentionPolicy(raw, entry.ToTier)
	if err != nil {
		return err
	}

	encoded, ct, err := codec.Encode(raw, entry.ToTier)
	if err != nil {
		return err
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	item.Tier = entry.ToTier
	item.CompressedBlob = encoded
	item.CompressionType = ct
	item.SizeBytes = len(encoded)
	now := time.Now().UTC()
	item.MigratedAt = &now
	if err := m.store.UpsertStorageItem(ctx, tx, item); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (m *Manager) writeOffline(entry *types.MigrationQueueEntry, cause error) {
	rec := offlineEntry{
		ItemID:    entry.ItemID,
		FrameID:   entry.FrameID,
		FromTier:  string(entry.FromTier),
		ToTier:    string(entry.ToTier),
		Attempts:  entry.Attempts,
		LastError: cause.Error(),
		FailedAt:  time.Now().UTC(),
	}
	if err := jsonl.Append(m.offlineQueuePath, rec); err != nil {
		m.logger.Warn("tiermanager: failed to write offline queue entry",
			slog.String("item_id", entry.ItemID), slog.Any("error", err))
	}
}

// RecordAccess registers a read of frameID for promotion tracking. If the
// frame crosses the promotion threshold within the window, it re-decodes
// the blob once and caches it in-memory; the stored tier is never rewritten
// (spec §4.6 "Promotion").
func (m *Manager) RecordAccess(ctx context.Context, frameID string) {
	now := time.Now().UTC()

	m.mu.Lock()
	rec, ok := m.access[frameID]
	if !ok || now.After(rec.windowEnd) {
		rec = &accessRecord{windowEnd: now.Add(PromotionWindow)}
		m.access[frameID] = rec
	}
	rec.count++
	promote := rec.count > PromotionThreshold
	m.mu.Unlock()

	if !promote {
		return
	}
	m.mu.Lock()
	_, cached := m.hotCache[frameID]
	m.mu.Unlock()
	if cached {
		return
	}

	item, err := m.store.GetStorageItem(ctx, frameID)
	if err != nil {
		return
	}
	raw, err := codec.Decode(item.CompressedBlob, item.CompressionType)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.hotCache[frameID] = raw
	m.mu.Unlock()
}

// HotCached returns a promoted blob if one is cached for frameID.
func (m *Manager) HotCached(frameID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.hotCache[frameID]
	return b, ok
}

func (m *Manager) frameLockPath(frameID string) string {
	return m.lockDir + "/" + frameID + ".lock"
}

package types

import "time"

// Tier is a durability/compression band. Items only ever advance forward
// through this ordering — see spec §8 property 8.
type Tier string

const (
	TierYoung   Tier = "young"
	TierMature  Tier = "mature"
	TierOld     Tier = "old"
	TierArchive Tier = "archive"
)

// TierOrder gives each tier its rank for the monotonic-advance invariant.
var TierOrder = map[Tier]int{
	TierYoung:   0,
	TierMature:  1,
	TierOld:     2,
	TierArchive: 3,
}

// Advances reports whether moving from `from` to `to` is a legal (forward
// or same) tier transition.
func Advances(from, to Tier) bool {
	return TierOrder[to] >= TierOrder[from]
}

// CompressionType tags the codec used to produce a stored blob.
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionLZ4  CompressionType = "lz4"
	CompressionZstd CompressionType = "zstd"
)

// FrameSnapshot is the structural content a StorageItem's CompressedBlob
// decodes to: the frozen frame header plus its full event and anchor
// history at close time. internal/framemanager builds one at close_frame
// and JSON-marshals it before the first codec.Encode; internal/tiermanager
// unmarshals it on every migration so RetentionPolicy has events to filter.
type FrameSnapshot struct {
	Frame   *Frame    `json:"frame"`
	Events  []*Event  `json:"events"`
	Anchors []*Anchor `json:"anchors"`
}

// StorageItem wraps a frame snapshot as held by the tier layer. See spec §3
// "Storage Item".
type StorageItem struct {
	ItemID          string          `json:"item_id"`
	FrameID         string          `json:"frame_id"`
	Tier            Tier            `json:"tier"`
	CompressedBlob  []byte          `json:"compressed_blob"`
	CompressionType CompressionType `json:"compression_type"`
	SizeBytes       int             `json:"size_bytes"`
	ImportanceScore int             `json:"importance_score"`
	CreatedAt       time.Time       `json:"created_at"`
	MigratedAt      *time.Time      `json:"migrated_at,omitempty"`
}

// MigrationTrigger records why a migration_queue entry fired, used to
// order the FIFO-per-priority-band queue (age before size — spec §5).
type MigrationTrigger string

const (
	TriggerAge        MigrationTrigger = "age"
	TriggerSize       MigrationTrigger = "size"
	TriggerImportance MigrationTrigger = "importance"
)

// MigrationQueueEntry is one pending tier transition.
type MigrationQueueEntry struct {
	ItemID      string           `json:"item_id"`
	FrameID     string           `json:"frame_id"`
	FromTier    Tier             `json:"from_tier"`
	ToTier      Tier             `json:"to_tier"`
	Trigger     MigrationTrigger `json:"trigger"`
	Attempts    int              `json:"attempts"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	LeaseUntil  *time.Time       `json:"lease_until,omitempty"`
	LeaseHolder string           `json:"lease_holder,omitempty"`
}

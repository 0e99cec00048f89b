package tiermanager_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/tiermanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

func TestRunOnceMigratesYoungToMature(t *testing.T) {
	store := memory.New()
	bus := eventbus.New(nil)
	dir := t.TempDir()

	item := &types.StorageItem{
		ItemID:          "itm-1",
		FrameID:         "frm-1",
		Tier:            types.TierYoung,
		CompressionType: types.CompressionNone,
		CompressedBlob:  []byte{0x00}, // none-tag + empty body
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.UpsertStorageItem(context.Background(), nil, item))
	require.NoError(t, store.EnqueueMigration(context.Background(), nil, &types.MigrationQueueEntry{
		ItemID:     item.ItemID,
		FrameID:    item.FrameID,
		FromTier:   types.TierYoung,
		ToTier:     types.TierMature,
		Trigger:    types.TriggerAge,
		EnqueuedAt: time.Now().UTC(),
	}))

	m := tiermanager.New(store, bus, nil, filepath.Join(dir, "offline-queue.json"), "worker-1",
		tiermanager.WithLockDir(filepath.Join(dir, "locks")))

	require.NoError(t, m.RunOnce(context.Background()))

	depth, err := store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	got, err := store.GetStorageItem(context.Background(), "frm-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierMature, got.Tier)
	assert.Equal(t, types.CompressionLZ4, got.CompressionType)
}

func TestMigrationIsANoOpIfAlreadyAtOrBeyondTarget(t *testing.T) {
	store := memory.New()
	bus := eventbus.New(nil)
	dir := t.TempDir()

	item := &types.StorageItem{
		ItemID:          "itm-2",
		FrameID:         "frm-2",
		Tier:            types.TierOld,
		CompressionType: types.CompressionZstd,
		CompressedBlob:  []byte{0x02},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.UpsertStorageItem(context.Background(), nil, item))
	require.NoError(t, store.EnqueueMigration(context.Background(), nil, &types.MigrationQueueEntry{
		ItemID:     item.ItemID,
		FrameID:    item.FrameID,
		FromTier:   types.TierYoung,
		ToTier:     types.TierMature,
		Trigger:    types.TriggerAge,
		EnqueuedAt: time.Now().UTC(),
	}))

	m := tiermanager.New(store, bus, nil, filepath.Join(dir, "offline-queue.json"), "worker-1",
		tiermanager.WithLockDir(filepath.Join(dir, "locks")))
	require.NoError(t, m.RunOnce(context.Background()))

	got, err := store.GetStorageItem(context.Background(), "frm-2")
	require.NoError(t, err)
	assert.Equal(t, types.TierOld, got.Tier, "tier must never regress or be overwritten once already advanced past target")
}

func TestRecordAccessPromotesAfterThreshold(t *testing.T) {
	store := memory.New()
	bus := eventbus.New(nil)
	dir := t.TempDir()

	item := &types.StorageItem{
		ItemID:          "itm-3",
		FrameID:         "frm-3",
		Tier:            types.TierOld,
		CompressionType: types.CompressionNone,
		CompressedBlob:  []byte{0x00},
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.UpsertStorageItem(context.Background(), nil, item))

	m := tiermanager.New(store, bus, nil, filepath.Join(dir, "offline-queue.json"), "worker-1",
		tiermanager.WithLockDir(filepath.Join(dir, "locks")))

	ctx := context.Background()
	for i := 0; i < tiermanager.PromotionThreshold; i++ {
		m.RecordAccess(ctx, "frm-3")
		_, cached := m.HotCached("frm-3")
		assert.False(t, cached, "must not promote before crossing the threshold")
	}
	m.RecordAccess(ctx, "frm-3")
	_, cached := m.HotCached("frm-3")
	assert.True(t, cached, "must promote once access count exceeds threshold within the window")
}

func TestIsOverSoftCeiling(t *testing.T) {
	store := memory.New()
	bus := eventbus.New(nil)
	dir := t.TempDir()

	m := tiermanager.New(store, bus, nil, filepath.Join(dir, "offline-queue.json"), "worker-1",
		tiermanager.WithSoftQueueCeiling(1),
		tiermanager.WithLockDir(filepath.Join(dir, "locks")))

	over, err := m.IsOverSoftCeiling(context.Background())
	require.NoError(t, err)
	assert.False(t, over)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.EnqueueMigration(context.Background(), nil, &types.MigrationQueueEntry{
			ItemID:     "itm-ceiling-" + string(rune('a'+i)),
			FrameID:    "frm-ceiling",
			FromTier:   types.TierYoung,
			ToTier:     types.TierMature,
			Trigger:    types.TriggerAge,
			EnqueuedAt: time.Now().UTC(),
		}))
	}
	over, err = m.IsOverSoftCeiling(context.Background())
	require.NoError(t, err)
	assert.True(t, over)
}

func TestRetentionPolicyDropsChattyToolResultsAtMature(t *testing.T) {
	assert.False(t, tiermanager.RetentionPolicy(types.TierMature, types.EventToolResult))
	assert.True(t, tiermanager.RetentionPolicy(types.TierMature, types.EventDecisionLog))
	assert.True(t, tiermanager.RetentionPolicy(types.TierOld, types.EventError))
	assert.False(t, tiermanager.RetentionPolicy(types.TierOld, types.EventToolCall))
}

package stackmemory_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/stackmemory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/factory"
)

func TestOpenWiresEngineAgainstMemoryBackend(t *testing.T) {
	dir := t.TempDir()

	eng, err := stackmemory.Open(context.Background(), stackmemory.Options{
		Cwd:    dir,
		Driver: factory.DriverMemory,
	})
	require.NoError(t, err)
	defer eng.Close()

	assert.NotEmpty(t, eng.ProjectID)
	assert.NotEmpty(t, eng.SessionID)
	assert.Equal(t, filepath.Join(dir, ".stackmemory"), eng.DotDir())

	frameID, err := eng.Frames.StartFrame(context.Background(), "Implement auth", "task", nil, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, frameID)
}

func TestOpenRehydratesOpenFrameOnResumedSession(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := stackmemory.Open(ctx, stackmemory.Options{Cwd: dir, Driver: factory.DriverSQLite, Branch: "main"})
	require.NoError(t, err)

	frameID, err := first.Frames.StartFrame(ctx, "Implement auth", "task", nil, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A second process attaching to the same on-disk project must resolve
	// back to the still-active session and rehydrate the open frame onto
	// its own in-memory stack (spec E5 "session resume").
	second, err := stackmemory.Open(ctx, stackmemory.Options{
		Cwd: dir, Driver: factory.DriverSQLite, Branch: "main", SessionID: first.SessionID,
	})
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, 1, second.Frames.StackDepth())
	_ = frameID
}

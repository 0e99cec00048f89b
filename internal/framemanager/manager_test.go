package framemanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/framemanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

type alwaysOverCeiling struct{}

func (alwaysOverCeiling) IsOverSoftCeiling(context.Context) (bool, error) { return true, nil }

func newManager(t *testing.T, maxDepth int) (*framemanager.Manager, *eventbus.Bus) {
	t.Helper()
	store := memory.New()
	bus := eventbus.New(nil).WithTimings(time.Millisecond, time.Millisecond)
	session := &types.Session{
		SessionID: "ses-test",
		ProjectID: "proj-test",
		State:     types.SessionActive,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertSession(context.Background(), session))
	return framemanager.New(store, bus, session, maxDepth), bus
}

func TestStartFrameRejectsUnknownType(t *testing.T) {
	m, _ := newManager(t, 0)
	_, err := m.StartFrame(context.Background(), "do thing", types.FrameType("not-a-type"), nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidFrameType, types.CodeOf(err))
}

func TestStartFrameEnforcesDepthBound(t *testing.T) {
	m, _ := newManager(t, 1)
	ctx := context.Background()

	_, err := m.StartFrame(ctx, "outer", types.FrameTask, nil, nil)
	require.NoError(t, err)

	_, err = m.StartFrame(ctx, "inner", types.FrameSubtask, nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.CodeFrameStackOverflow, types.CodeOf(err))
}

func TestStartFrameNestsUnderCurrentTop(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	outer, err := m.StartFrame(ctx, "outer", types.FrameTask, nil, nil)
	require.NoError(t, err)
	inner, err := m.StartFrame(ctx, "inner", types.FrameSubtask, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, m.StackDepth())

	hs, err := m.GetHotStack(ctx, 5)
	require.NoError(t, err)
	require.Len(t, hs.Frames, 2)
	assert.Equal(t, inner, hs.Frames[0].Frame.FrameID)
	assert.Equal(t, outer, hs.Frames[1].Frame.FrameID)
	assert.Equal(t, outer, hs.Frames[0].Frame.ParentFrameID)
}

func TestAppendEventRejectsOversizedPayload(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	frameID, err := m.StartFrame(ctx, "work", types.FrameTask, nil, nil)
	require.NoError(t, err)

	huge := make([]byte, types.MaxPayloadBytes+1)
	_, err = m.AppendEvent(ctx, frameID, types.EventNote, huge)
	require.Error(t, err)
	assert.Equal(t, types.CodePayloadTooLarge, types.CodeOf(err))
}

func TestAppendEventRejectsInactiveFrame(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	_, err := m.AppendEvent(ctx, "frm-does-not-exist", types.EventNote, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestCloseFrameIsIdempotent(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	frameID, err := m.StartFrame(ctx, "work", types.FrameTask, nil, nil)
	require.NoError(t, err)

	d1, err := m.CloseFrame(ctx, frameID, "done")
	require.NoError(t, err)
	require.NotNil(t, d1)

	d2, err := m.CloseFrame(ctx, frameID, "done again")
	require.NoError(t, err)
	assert.Equal(t, d1.FrameID, d2.FrameID)
	assert.Equal(t, d1.ClosedAt, d2.ClosedAt)
}

func TestCloseFrameClosesDescendantsInLIFOOrder(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	outer, err := m.StartFrame(ctx, "outer", types.FrameTask, nil, nil)
	require.NoError(t, err)
	inner, err := m.StartFrame(ctx, "inner", types.FrameSubtask, nil, nil)
	require.NoError(t, err)

	_, err = m.CloseFrame(ctx, outer, "wrap up")
	require.NoError(t, err)

	assert.Equal(t, 0, m.StackDepth())

	hs, err := m.GetHotStack(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, hs.Frames, 0)
	_ = inner
}

func TestCloseFrameSkipsMigrationEnqueueUnderBackpressure(t *testing.T) {
	m, _ := newManager(t, 0)
	m.SetTierManager(alwaysOverCeiling{})
	ctx := context.Background()

	frameID, err := m.StartFrame(ctx, "work", types.FrameTask, nil, nil)
	require.NoError(t, err)

	d, err := m.CloseFrame(ctx, frameID, "done")
	require.NoError(t, err, "close_frame must still succeed under backpressure, just skip enqueueing")
	require.NotNil(t, d)
}

func TestCloseFramePartialStatusWhenFilesModifiedButNoTests(t *testing.T) {
	m, _ := newManager(t, 0)
	ctx := context.Background()

	frameID, err := m.StartFrame(ctx, "write feature", types.FrameWrite, nil, nil)
	require.NoError(t, err)

	_, err = m.AppendEvent(ctx, frameID, types.EventToolCall,
		[]byte(`{"tool":"edit","path":"main.go","operation":"modify"}`))
	require.NoError(t, err)

	d, err := m.CloseFrame(ctx, frameID, "")
	require.NoError(t, err)
	assert.Equal(t, types.DigestPartial, d.Status)
	assert.Equal(t, types.HintReviewAndContinue, d.NextStepHint)
}

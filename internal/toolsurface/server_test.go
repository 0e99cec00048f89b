package toolsurface_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/framemanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/retriever"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/tiermanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/toolsurface"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

func newServer(t *testing.T) *toolsurface.Server {
	t.Helper()
	store := memory.New()
	session := &types.Session{
		SessionID: "ses-test", ProjectID: "proj-test",
		State: types.SessionActive, StartedAt: time.Now().UTC(), LastActiveAt: time.Now().UTC(),
	}
	require.NoError(t, store.InsertSession(context.Background(), session))

	bus := eventbus.New(nil)
	frames := framemanager.New(store, bus, session, 0)
	ret := retriever.New(store, nil)
	tier := tiermanager.New(store, bus, nil, t.TempDir()+"/offline.jsonl", "test-holder", tiermanager.WithLockDir(t.TempDir()))
	return toolsurface.NewServer(frames, ret, tier, store, nil)
}

func TestStartFrameAndCloseFrameRoundTrip(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	startArgs, _ := json.Marshal(toolsurface.StartFrameArgs{Name: "investigate flaky test", Type: "task"})
	resp := s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpStartFrame, Args: startArgs})
	require.Nil(t, resp.Error)
	frameID, _ := resp.Metadata["frame_id"].(string)
	require.NotEmpty(t, frameID)

	anchorArgs, _ := json.Marshal(toolsurface.AddAnchorArgs{FrameID: frameID, Type: "FACT", Text: "repro needs -race", Priority: 7})
	resp = s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpAddAnchor, Args: anchorArgs})
	require.Nil(t, resp.Error)

	closeArgs, _ := json.Marshal(toolsurface.CloseFrameArgs{FrameID: frameID, Summary: "found the race"})
	resp = s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpCloseFrame, Args: closeArgs})
	require.Nil(t, resp.Error)
	assert.Equal(t, "success", resp.Metadata["status"])
}

func TestUnknownOperationReturnsInvalidArgument(t *testing.T) {
	s := newServer(t)
	resp := s.Handle(context.Background(), &toolsurface.Request{Operation: "not_a_real_op"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeInvalidArgument, resp.Error.ErrorCode)
}

func TestCreateTaskThenUpdateStatusThenMetrics(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	createArgs, _ := json.Marshal(toolsurface.CreateTaskArgs{Title: "ship release notes", Priority: "high"})
	resp := s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpCreateTask, Args: createArgs})
	require.Nil(t, resp.Error)
	taskID, _ := resp.Metadata["task_id"].(string)
	require.NotEmpty(t, taskID)

	updateArgs, _ := json.Marshal(toolsurface.UpdateTaskStatusArgs{TaskID: taskID, Status: "in_progress"})
	resp = s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpUpdateTaskStatus, Args: updateArgs})
	require.Nil(t, resp.Error)
	assert.Equal(t, "in_progress", resp.Metadata["status"])

	resp = s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpGetTaskMetrics})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Metadata["total"])
}

func TestAddTaskDependencyRejectsSelfDependency(t *testing.T) {
	s := newServer(t)
	args, _ := json.Marshal(toolsurface.AddTaskDependencyArgs{TaskID: "tsk-1", DependsOnID: "tsk-1"})
	resp := s.Handle(context.Background(), &toolsurface.Request{Operation: toolsurface.OpAddTaskDependency, Args: args})
	require.NotNil(t, resp.Error)
	assert.Equal(t, types.CodeInvalidArgument, resp.Error.ErrorCode)
}

func TestGetHotStackReflectsOpenFrames(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	startArgs, _ := json.Marshal(toolsurface.StartFrameArgs{Name: "outer", Type: "task"})
	resp := s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpStartFrame, Args: startArgs})
	require.Nil(t, resp.Error)

	resp = s.Handle(ctx, &toolsurface.Request{Operation: toolsurface.OpGetHotStack})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Metadata["depth"])
}

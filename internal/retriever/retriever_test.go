package retriever_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/retriever"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

func seedSession(t *testing.T, store *memory.Store, sessionID, projectID string) {
	t.Helper()
	require.NoError(t, store.InsertSession(context.Background(), &types.Session{
		SessionID: sessionID, ProjectID: projectID, State: types.SessionActive, StartedAt: time.Now().UTC(),
	}))
}

func TestGetContextEmptyQueryReturnsAnchorAndHotStackOnly(t *testing.T) {
	store := memory.New()
	seedSession(t, store, "ses-1", "proj-1")

	frame := &types.Frame{FrameID: "frm-1", SessionID: "ses-1", ProjectID: "proj-1", Type: types.FrameTask, Name: "work", CreatedAt: time.Now().UTC(), State: types.FrameStateActive}
	require.NoError(t, store.InsertFrame(context.Background(), nil, frame))
	require.NoError(t, store.InsertAnchor(context.Background(), nil, &types.Anchor{
		AnchorID: "anc-1", FrameID: "frm-1", Type: types.AnchorDecision, Text: "use postgres", Priority: 8, CreatedAt: time.Now().UTC(),
	}))

	r := retriever.New(store, nil)
	bundle, err := r.GetContext(context.Background(), "", 10_000, retriever.Filters{ProjectID: "proj-1", SessionID: "ses-1"})
	require.NoError(t, err)

	require.Len(t, bundle.Anchors, 1)
	assert.Equal(t, "use postgres", bundle.Anchors[0].Text)
	require.Len(t, bundle.HotStack, 1)
	assert.Empty(t, bundle.RelevantDigests, "empty query must skip lexical/semantic stages")
}

func TestGetContextLexicalQueryReturnsMatchingFrames(t *testing.T) {
	store := memory.New()
	seedSession(t, store, "ses-2", "proj-2")

	frame := &types.Frame{FrameID: "frm-2", SessionID: "ses-2", ProjectID: "proj-2", Type: types.FrameTask, Name: "fix auth bug", CreatedAt: time.Now().UTC(), State: types.FrameStateClosed}
	require.NoError(t, store.InsertFrame(context.Background(), nil, frame))

	r := retriever.New(store, nil)
	bundle, err := r.GetContext(context.Background(), "auth", 10_000, retriever.Filters{ProjectID: "proj-2", SessionID: "ses-2"})
	require.NoError(t, err)

	require.Len(t, bundle.RelevantDigests, 1)
	assert.Equal(t, "frm-2", bundle.RelevantDigests[0].Frame.FrameID)
}

func TestGetContextAlwaysReturnsAnchorsWhenSearchFindsNothing(t *testing.T) {
	store := memory.New()
	seedSession(t, store, "ses-3", "proj-3")
	require.NoError(t, store.InsertFrame(context.Background(), nil, &types.Frame{
		FrameID: "frm-3", SessionID: "ses-3", ProjectID: "proj-3", Type: types.FrameTask, Name: "root", CreatedAt: time.Now().UTC(), State: types.FrameStateActive,
	}))
	require.NoError(t, store.InsertAnchor(context.Background(), nil, &types.Anchor{
		AnchorID: "anc-3", FrameID: "frm-3", Type: types.AnchorConstraint, Text: "must stay backwards compatible", Priority: 10, CreatedAt: time.Now().UTC(),
	}))

	r := retriever.New(store, nil)
	bundle, err := r.GetContext(context.Background(), "gibberish query text with many unrelated words in it", 10_000, retriever.Filters{ProjectID: "proj-3", SessionID: "ses-3"})
	require.NoError(t, err)
	require.Len(t, bundle.Anchors, 1)
}

func TestByteEstimatorRoundsUp(t *testing.T) {
	est := retriever.DefaultByteEstimator
	assert.Equal(t, 0, est.Estimate(""))
	assert.Equal(t, 1, est.Estimate("ab"))
	assert.Equal(t, 1, est.Estimate("abcd"))
	assert.Equal(t, 2, est.Estimate("abcde"))
}

package daemon_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/daemon"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/eventbus"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage/memory"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

func TestSweepSuspendsStaleSessions(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	stale := &types.Session{
		SessionID: "ses-stale", ProjectID: "proj-1", State: types.SessionActive,
		StartedAt: now.Add(-48 * time.Hour), LastActiveAt: now.Add(-25 * time.Hour),
	}
	fresh := &types.Session{
		SessionID: "ses-fresh", ProjectID: "proj-1", State: types.SessionActive,
		StartedAt: now, LastActiveAt: now,
	}
	require.NoError(t, store.InsertSession(context.Background(), stale))
	require.NoError(t, store.InsertSession(context.Background(), fresh))

	d := daemon.New(daemon.Config{
		Store: store, Bus: eventbus.New(nil), SweepInterval: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	got, err := store.SelectSessions(context.Background(), storage.SessionFilter{}, 10)
	require.NoError(t, err)
	byID := map[string]types.SessionState{}
	for _, s := range got {
		byID[s.SessionID] = s.State
	}
	assert.Equal(t, types.SessionSuspended, byID["ses-stale"])
	assert.Equal(t, types.SessionActive, byID["ses-fresh"])
}

func TestRunRefusesSecondInstance(t *testing.T) {
	store := memory.New()
	pidPath := filepath.Join(t.TempDir(), "hooks.pid")

	d1 := daemon.New(daemon.Config{Store: store, Bus: eventbus.New(nil), PidFilePath: pidPath, SweepInterval: time.Hour})
	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	errCh := make(chan error, 1)
	go func() { errCh <- d1.Run(ctx1) }()
	time.Sleep(20 * time.Millisecond)

	d2 := daemon.New(daemon.Config{Store: store, Bus: eventbus.New(nil), PidFilePath: pidPath, SweepInterval: time.Hour})
	err := d2.Run(context.Background())
	require.Error(t, err)

	cancel1()
	<-errCh
}

func TestPidFilePathJoinsUserHome(t *testing.T) {
	assert.Equal(t, filepath.Join("/home/dev", ".stackmemory", "hooks.pid"), daemon.PidFilePath("/home/dev"))
}

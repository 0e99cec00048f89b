package identity

import (
	"context"
	"os"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/config"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// ResolveSession implements resolve_session(project_id, branch?,
// explicit_session_id?) per spec §4.1: (1) explicit id, (2)
// environment-provided id, (3) most recent non-stale active session for
// (project_id, branch), (4) most recent active for project_id alone, (5)
// create new. A stale session found in (3)/(4) is marked suspended first
// (spec E5 "after 24h, resolve_session marks S suspended and creates a new
// session") rather than handed back to the caller.
func ResolveSession(ctx context.Context, store storage.Storage, projectID, branch, explicitSessionID string) (*types.Session, error) {
	if explicitSessionID != "" {
		if s, err := store.GetSession(ctx, explicitSessionID); err == nil && s != nil {
			return touchUnconditionally(ctx, store, s)
		}
	}
	if envID := os.Getenv(config.EnvSession); envID != "" {
		if s, err := store.GetSession(ctx, envID); err == nil && s != nil {
			return touchUnconditionally(ctx, store, s)
		}
	}

	now := time.Now().UTC()

	if branch != "" {
		if s, err := mostRecentActive(ctx, store, projectID, branch, now); err == nil && s != nil {
			return s, nil
		}
	}
	if s, err := mostRecentActive(ctx, store, projectID, "", now); err == nil && s != nil {
		return s, nil
	}

	session := &types.Session{
		SessionID:    idgen.NewSessionID(),
		ProjectID:    projectID,
		Branch:       branch,
		StartedAt:    now,
		LastActiveAt: now,
		State:        types.SessionActive,
	}
	if err := store.InsertSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func mostRecentActive(ctx context.Context, store storage.Storage, projectID, branch string, now time.Time) (*types.Session, error) {
	sessions, err := store.SelectSessions(ctx, storage.SessionFilter{
		ProjectID: projectID, Branch: branch, State: types.SessionActive,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	s := sessions[0]
	if s.IsStale(now) {
		s.State = types.SessionSuspended
		if err := store.UpdateSession(ctx, s); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return touchUnconditionally(ctx, store, s)
}

// touchUnconditionally refreshes last_active_at regardless of state —
// correct for an explicit/env-provided id (the caller asked for this
// session by name) and for the already-known-fresh mostRecentActive path.
func touchUnconditionally(ctx context.Context, store storage.Storage, s *types.Session) (*types.Session, error) {
	s.LastActiveAt = time.Now().UTC()
	if err := store.UpdateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

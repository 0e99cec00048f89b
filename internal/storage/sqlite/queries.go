package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method run either standalone or inside a caller-supplied transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execerFor(tx storage.Tx) execer {
	if t := txOrDB(tx); t != nil {
		return t
	}
	return s.db
}

func jsonOrEmpty(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

// --- Projects / Sessions ---

func (s *Store) EnsureProject(ctx context.Context, p *types.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (project_id, root_path, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO NOTHING`,
		p.ProjectID, p.RootPath, p.CreatedAt)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "ensure project", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*types.Project, error) {
	var p types.Project
	err := s.db.QueryRowContext(ctx, `SELECT project_id, root_path, created_at FROM projects WHERE project_id = ?`, projectID).
		Scan(&p.ProjectID, &p.RootPath, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "project not found", map[string]any{"project_id": projectID})
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get project", err)
	}
	return &p, nil
}

func (s *Store) InsertSession(ctx context.Context, sess *types.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, project_id, branch, started_at, last_active_at, state, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.ProjectID, sess.Branch, sess.StartedAt, sess.LastActiveAt, sess.State, jsonOrEmpty(sess.Metadata, "{}"))
	if err != nil {
		return types.Wrap(types.CodeConflict, "insert session", err)
	}
	return nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET branch=?, last_active_at=?, state=?, metadata=? WHERE session_id=?`,
		sess.Branch, sess.LastActiveAt, sess.State, jsonOrEmpty(sess.Metadata, "{}"), sess.SessionID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.CodeNotFound, "session not found", map[string]any{"session_id": sess.SessionID})
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT session_id, project_id, branch, started_at, last_active_at, state, metadata FROM sessions WHERE session_id=?`,
		sessionID))
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "session not found", map[string]any{"session_id": sessionID})
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get session", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (*types.Session, error) {
	var sess types.Session
	var metaRaw string
	if err := row.Scan(&sess.SessionID, &sess.ProjectID, &sess.Branch, &sess.StartedAt, &sess.LastActiveAt, &sess.State, &metaRaw); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metaRaw), &sess.Metadata)
	return &sess, nil
}

func (s *Store) SelectSessions(ctx context.Context, f storage.SessionFilter, limit int) ([]*types.Session, error) {
	q := `SELECT session_id, project_id, branch, started_at, last_active_at, state, metadata FROM sessions WHERE project_id = ?`
	args := []any{f.ProjectID}
	if f.Branch != "" {
		q += ` AND branch = ?`
		args = append(args, f.Branch)
	}
	if f.State != "" {
		q += ` AND state = ?`
		args = append(args, f.State)
	}
	q += ` ORDER BY last_active_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "select sessions", err)
	}
	defer rows.Close()
	var out []*types.Session
	for rows.Next() {
		var sess types.Session
		var metaRaw string
		if err := rows.Scan(&sess.SessionID, &sess.ProjectID, &sess.Branch, &sess.StartedAt, &sess.LastActiveAt, &sess.State, &metaRaw); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan session", err)
		}
		_ = json.Unmarshal([]byte(metaRaw), &sess.Metadata)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// --- Frames ---

func (s *Store) InsertFrame(ctx context.Context, tx storage.Tx, f *types.Frame) error {
	ex := s.execerFor(tx)
	_, err := ex.ExecContext(ctx,
		`INSERT INTO frames (frame_id, session_id, project_id, parent_frame_id, type, name, created_at, state, constraints, definitions, inputs, outputs)
		 VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FrameID, f.SessionID, f.ProjectID, f.ParentFrameID, f.Type, f.Name, f.CreatedAt, f.State,
		jsonOrEmpty(f.Constraints, "[]"), jsonOrEmpty(f.Definitions, "{}"), jsonOrEmpty(f.Inputs, "{}"), jsonOrEmpty(f.Outputs, "{}"))
	if err != nil {
		return types.Wrap(types.CodeConflict, "insert frame", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO frames_fts (frame_id, name) VALUES (?, ?)`, f.FrameID, f.Name)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "index frame fts", err)
	}
	return nil
}

func (s *Store) CloseFrame(ctx context.Context, tx storage.Tx, frameID string, closedAt time.Time, digest *types.FrameDigest) error {
	ex := s.execerFor(tx)
	res, err := ex.ExecContext(ctx,
		`UPDATE frames SET state='closed', closed_at=?, digest=? WHERE frame_id=? AND state='active'`,
		closedAt, jsonOrEmpty(digest, "null"), frameID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "close frame", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Idempotent: either already closed (fine) or never existed (error).
		var state string
		if scanErr := s.db.QueryRowContext(ctx, `SELECT state FROM frames WHERE frame_id=?`, frameID).Scan(&state); scanErr != nil {
			return types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": frameID})
		}
	}
	return nil
}

func (s *Store) GetFrame(ctx context.Context, frameID string) (*types.Frame, error) {
	f, err := scanFrame(s.db.QueryRowContext(ctx, frameSelectCols+` WHERE frame_id=?`, frameID))
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "frame not found", map[string]any{"frame_id": frameID})
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get frame", err)
	}
	return f, nil
}

const frameSelectCols = `SELECT frame_id, session_id, project_id, COALESCE(parent_frame_id,''), type, name, created_at, closed_at, state, constraints, definitions, inputs, outputs, digest FROM frames`

func scanFrame(row *sql.Row) (*types.Frame, error) {
	var f types.Frame
	var constraintsRaw, defsRaw, inputsRaw, outputsRaw string
	var digestRaw sql.NullString
	if err := row.Scan(&f.FrameID, &f.SessionID, &f.ProjectID, &f.ParentFrameID, &f.Type, &f.Name, &f.CreatedAt, &f.ClosedAt, &f.State,
		&constraintsRaw, &defsRaw, &inputsRaw, &outputsRaw, &digestRaw); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(constraintsRaw), &f.Constraints)
	_ = json.Unmarshal([]byte(defsRaw), &f.Definitions)
	_ = json.Unmarshal([]byte(inputsRaw), &f.Inputs)
	_ = json.Unmarshal([]byte(outputsRaw), &f.Outputs)
	if digestRaw.Valid && digestRaw.String != "" && digestRaw.String != "null" {
		var d types.FrameDigest
		if json.Unmarshal([]byte(digestRaw.String), &d) == nil {
			f.Digest = &d
		}
	}
	return &f, nil
}

func (s *Store) GetFrames(ctx context.Context, frameIDs []string) ([]*types.Frame, error) {
	out := make([]*types.Frame, 0, len(frameIDs))
	for _, id := range frameIDs {
		f, err := s.GetFrame(ctx, id)
		if err != nil {
			if types.CodeOf(err) == types.CodeNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *Store) SelectFramesBySession(ctx context.Context, sessionID string, state types.FrameState) ([]*types.Frame, error) {
	q := frameSelectCols + ` WHERE session_id=?`
	args := []any{sessionID}
	if state != "" {
		q += ` AND state=?`
		args = append(args, state)
	}
	q += ` ORDER BY created_at ASC`
	return s.queryFrames(ctx, q, args...)
}

func (s *Store) ChildFrames(ctx context.Context, parentFrameID string) ([]*types.Frame, error) {
	return s.queryFrames(ctx, frameSelectCols+` WHERE parent_frame_id=? ORDER BY created_at ASC`, parentFrameID)
}

func (s *Store) queryFrames(ctx context.Context, q string, args ...any) ([]*types.Frame, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "query frames", err)
	}
	defer rows.Close()
	var out []*types.Frame
	for rows.Next() {
		var f types.Frame
		var constraintsRaw, defsRaw, inputsRaw, outputsRaw string
		var digestRaw sql.NullString
		if err := rows.Scan(&f.FrameID, &f.SessionID, &f.ProjectID, &f.ParentFrameID, &f.Type, &f.Name, &f.CreatedAt, &f.ClosedAt, &f.State,
			&constraintsRaw, &defsRaw, &inputsRaw, &outputsRaw, &digestRaw); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan frame", err)
		}
		_ = json.Unmarshal([]byte(constraintsRaw), &f.Constraints)
		_ = json.Unmarshal([]byte(defsRaw), &f.Definitions)
		_ = json.Unmarshal([]byte(inputsRaw), &f.Inputs)
		_ = json.Unmarshal([]byte(outputsRaw), &f.Outputs)
		if digestRaw.Valid && digestRaw.String != "" && digestRaw.String != "null" {
			var d types.FrameDigest
			if json.Unmarshal([]byte(digestRaw.String), &d) == nil {
				f.Digest = &d
			}
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// --- Events ---

func (s *Store) AppendEvent(ctx context.Context, tx storage.Tx, e *types.Event) error {
	ex := s.execerFor(tx)
	_, err := ex.ExecContext(ctx,
		`INSERT INTO events (event_id, frame_id, event_type, payload, ts) VALUES (?, ?, ?, ?, ?)`,
		e.EventID, e.FrameID, e.EventType, e.Payload, e.Ts)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "append event", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events_fts (frame_id, event_id, body) VALUES (?, ?, ?)`,
		e.FrameID, e.EventID, string(e.Payload))
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "index event fts", err)
	}
	return nil
}

func (s *Store) GetEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error) {
	q := `SELECT event_id, frame_id, event_type, payload, ts FROM events WHERE frame_id=? ORDER BY ts ASC`
	rows, err := s.db.QueryContext(ctx, q, frameID)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get events", err)
	}
	defer rows.Close()
	var out []*types.Event
	for rows.Next() {
		var e types.Event
		if err := rows.Scan(&e.EventID, &e.FrameID, &e.EventType, &e.Payload, &e.Ts); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan event", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) EventCount(ctx context.Context, frameID string, kinds ...types.EventType) (int, error) {
	q := `SELECT COUNT(*) FROM events WHERE frame_id=?`
	args := []any{frameID}
	if len(kinds) > 0 {
		q += ` AND event_type IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, types.Wrap(types.CodeStoreUnavailable, "count events", err)
	}
	return n, nil
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

// --- Anchors ---

func (s *Store) InsertAnchor(ctx context.Context, tx storage.Tx, a *types.Anchor) error {
	ex := s.execerFor(tx)
	_, err := ex.ExecContext(ctx,
		`INSERT INTO anchors (anchor_id, frame_id, type, text, priority, created_at, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AnchorID, a.FrameID, a.Type, a.Text, a.Priority, a.CreatedAt, jsonOrEmpty(a.Metadata, "{}"))
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "insert anchor", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO anchors_fts (frame_id, anchor_id, text) VALUES (?, ?, ?)`, a.FrameID, a.AnchorID, a.Text)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "index anchor fts", err)
	}
	return nil
}

func (s *Store) GetAnchors(ctx context.Context, frameID string) ([]*types.Anchor, error) {
	return s.queryAnchors(ctx, `WHERE frame_id=? ORDER BY priority DESC, created_at DESC`, frameID)
}

func (s *Store) SelectAnchorsBySession(ctx context.Context, sessionID string) ([]*types.Anchor, error) {
	return s.queryAnchors(ctx,
		`WHERE frame_id IN (SELECT frame_id FROM frames WHERE session_id=?) ORDER BY priority DESC, created_at DESC`,
		sessionID)
}

func (s *Store) queryAnchors(ctx context.Context, whereAndOrder string, args ...any) ([]*types.Anchor, error) {
	q := `SELECT anchor_id, frame_id, type, text, priority, created_at, metadata FROM anchors ` + whereAndOrder
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "query anchors", err)
	}
	defer rows.Close()
	var out []*types.Anchor
	for rows.Next() {
		var a types.Anchor
		var metaRaw string
		if err := rows.Scan(&a.AnchorID, &a.FrameID, &a.Type, &a.Text, &a.Priority, &a.CreatedAt, &metaRaw); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan anchor", err)
		}
		_ = json.Unmarshal([]byte(metaRaw), &a.Metadata)
		out = append(out, &a)
	}
	return out, rows.Err()
}

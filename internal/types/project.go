package types

import "time"

// Project is the stable identity of a codebase the engine tracks memory for.
// See spec §3 "Project".
type Project struct {
	ProjectID string    `json:"project_id"` // ≤50 chars, derived — see identity.Normalize
	RootPath  string    `json:"root_path"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionSuspended SessionState = "suspended"
	SessionClosed    SessionState = "closed"
)

// StaleAfter is how long a session may sit idle before discovery is allowed
// to auto-suspend it (spec §3 "Staleness").
const StaleAfter = 24 * time.Hour

// Session is one continuous stretch of assistant work within a project.
type Session struct {
	SessionID    string         `json:"session_id"`
	ProjectID    string         `json:"project_id"`
	Branch       string         `json:"branch,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	State        SessionState   `json:"state"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// IsStale reports whether the session has been inactive long enough that
// discovery may auto-suspend it, per spec §3.
func (s *Session) IsStale(now time.Time) bool {
	return s.State == SessionActive && now.Sub(s.LastActiveAt) > StaleAfter
}

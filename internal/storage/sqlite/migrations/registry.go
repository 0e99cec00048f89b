// Package migrations holds the versioned, forward-only schema changes
// applied on top of the baseline schema. Each entry is numbered and never
// edited once released — see spec §4.2 "Schema-evolution policy": the
// engine refuses to start against a newer-than-known schema.
package migrations

import "database/sql"

// CurrentVersion is the highest migration this binary knows how to apply
// and to run against. A database reporting a version higher than this is
// refused at startup (spec §4.2).
const CurrentVersion = 2

// Migration is one forward-only schema step.
type Migration struct {
	Version int
	Name    string
	Apply   func(*sql.Tx) error
}

// All is the ordered list of migrations beyond the baseline schema
// (internal/storage/sqlite/schema.go). New migrations are appended, never
// inserted or rewritten.
var All = []Migration{
	{
		Version: 1,
		Name:    "add_frame_type_index",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_frames_type ON frames(type)`)
			return err
		},
	},
	{
		Version: 2,
		Name:    "add_anchor_priority_index",
		Apply: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_anchors_priority ON anchors(priority DESC, created_at DESC)`)
			return err
		},
	},
}

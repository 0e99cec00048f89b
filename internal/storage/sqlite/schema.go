package sqlite

// schema is the baseline DDL applied to a fresh database. Later structural
// changes live as versioned, forward-only files in ./migrations — see
// internal/storage/sqlite/migrations/registry.go and spec §4.2
// "Schema-evolution policy".
const schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	project_id TEXT PRIMARY KEY,
	root_path  TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL REFERENCES projects(project_id),
	branch         TEXT NOT NULL DEFAULT '',
	started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	state          TEXT NOT NULL DEFAULT 'active',
	metadata       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_project_state ON sessions(project_id, state);
CREATE INDEX IF NOT EXISTS idx_sessions_project_branch_state ON sessions(project_id, branch, state);

CREATE TABLE IF NOT EXISTS frames (
	frame_id        TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL REFERENCES sessions(session_id),
	project_id      TEXT NOT NULL REFERENCES projects(project_id),
	parent_frame_id TEXT,
	type            TEXT NOT NULL,
	name            TEXT NOT NULL CHECK (length(name) <= 200),
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	closed_at       DATETIME,
	state           TEXT NOT NULL DEFAULT 'active',
	constraints     TEXT NOT NULL DEFAULT '[]',
	definitions     TEXT NOT NULL DEFAULT '{}',
	inputs          TEXT NOT NULL DEFAULT '{}',
	outputs         TEXT NOT NULL DEFAULT '{}',
	digest          TEXT,
	CHECK ((state = 'closed') = (closed_at IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_frames_session_state ON frames(session_id, state);
CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_frame_id);
CREATE INDEX IF NOT EXISTS idx_frames_project ON frames(project_id);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	frame_id   TEXT NOT NULL REFERENCES frames(frame_id),
	event_type TEXT NOT NULL,
	payload    BLOB NOT NULL,
	ts         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_frame ON events(frame_id, ts);

CREATE TABLE IF NOT EXISTS anchors (
	anchor_id  TEXT PRIMARY KEY,
	frame_id   TEXT NOT NULL REFERENCES frames(frame_id),
	type       TEXT NOT NULL,
	text       TEXT NOT NULL CHECK (length(text) <= 4096),
	priority   INTEGER NOT NULL DEFAULT 5 CHECK (priority BETWEEN 1 AND 10),
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata   TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_anchors_frame ON anchors(frame_id);

CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	priority       TEXT NOT NULL DEFAULT 'medium',
	tags           TEXT NOT NULL DEFAULT '[]',
	parent_task_id TEXT,
	progress       INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
	ext_system     TEXT NOT NULL DEFAULT '',
	ext_id         TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id       TEXT NOT NULL REFERENCES tasks(task_id),
	depends_on_id TEXT NOT NULL REFERENCES tasks(task_id),
	PRIMARY KEY (task_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS storage_items (
	item_id          TEXT PRIMARY KEY,
	frame_id         TEXT NOT NULL UNIQUE REFERENCES frames(frame_id),
	tier             TEXT NOT NULL DEFAULT 'young',
	compressed_blob  BLOB NOT NULL,
	compression_type TEXT NOT NULL DEFAULT 'none',
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	importance_score INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	migrated_at      DATETIME
);
CREATE INDEX IF NOT EXISTS idx_storage_items_tier ON storage_items(tier);

CREATE TABLE IF NOT EXISTS migration_queue (
	item_id      TEXT PRIMARY KEY,
	frame_id     TEXT NOT NULL,
	from_tier    TEXT NOT NULL,
	to_tier      TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	enqueued_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	lease_until  DATETIME,
	lease_holder TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_migration_queue_lease ON migration_queue(lease_until);

CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Full-text index over frame names, event payload text, and anchor text.
-- search_fulltext unions these three external-content FTS5 tables and
-- scores with SQLite's built-in bm25() ranking function (spec §4.2).
CREATE VIRTUAL TABLE IF NOT EXISTS frames_fts USING fts5(
	frame_id UNINDEXED, name, content='', tokenize='porter'
);
CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	frame_id UNINDEXED, event_id UNINDEXED, body, content='', tokenize='porter'
);
CREATE VIRTUAL TABLE IF NOT EXISTS anchors_fts USING fts5(
	frame_id UNINDEXED, anchor_id UNINDEXED, text, content='', tokenize='porter'
);
`

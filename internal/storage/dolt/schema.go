package dolt

// schema mirrors internal/storage/sqlite/schema.go field-for-field so the
// two backends stay interchangeable (spec §9 "Polymorphism"). All primary
// keys are app-generated strings (internal/idgen) rather than
// AUTO_INCREMENT, which is what lets the DDL stay this close to the sqlite
// baseline. Dolt has no FTS5/bm25 equivalent, so full-text search here is a
// LIKE-based scan scored by term frequency — see fulltext.go and
// DESIGN.md's dolt backend entry for the trade-off.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	project_id VARCHAR(64) PRIMARY KEY,
	root_path  TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	session_id     VARCHAR(64) PRIMARY KEY,
	project_id     VARCHAR(64) NOT NULL,
	branch         VARCHAR(255) NOT NULL DEFAULT '',
	started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	state          VARCHAR(32) NOT NULL DEFAULT 'active',
	metadata       TEXT,
	KEY idx_sessions_project_state (project_id, state),
	KEY idx_sessions_project_branch_state (project_id, branch, state)
);

CREATE TABLE IF NOT EXISTS frames (
	frame_id        VARCHAR(64) PRIMARY KEY,
	session_id      VARCHAR(64) NOT NULL,
	project_id      VARCHAR(64) NOT NULL,
	parent_frame_id VARCHAR(64),
	type            VARCHAR(32) NOT NULL,
	name            VARCHAR(200) NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	closed_at       DATETIME,
	state           VARCHAR(32) NOT NULL DEFAULT 'active',
	constraints     TEXT,
	definitions     TEXT,
	inputs          TEXT,
	outputs         TEXT,
	digest          TEXT,
	KEY idx_frames_session_state (session_id, state),
	KEY idx_frames_parent (parent_frame_id),
	KEY idx_frames_project (project_id)
);

CREATE TABLE IF NOT EXISTS events (
	event_id   VARCHAR(64) PRIMARY KEY,
	frame_id   VARCHAR(64) NOT NULL,
	event_type VARCHAR(32) NOT NULL,
	payload    LONGBLOB NOT NULL,
	ts         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	KEY idx_events_frame (frame_id, ts)
);

CREATE TABLE IF NOT EXISTS anchors (
	anchor_id  VARCHAR(64) PRIMARY KEY,
	frame_id   VARCHAR(64) NOT NULL,
	type       VARCHAR(32) NOT NULL,
	text       TEXT NOT NULL,
	priority   INT NOT NULL DEFAULT 5,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata   TEXT,
	KEY idx_anchors_frame (frame_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id        VARCHAR(64) PRIMARY KEY,
	title          VARCHAR(500) NOT NULL,
	description    TEXT,
	status         VARCHAR(32) NOT NULL DEFAULT 'pending',
	priority       VARCHAR(32) NOT NULL DEFAULT 'medium',
	tags           TEXT,
	parent_task_id VARCHAR(64),
	progress       INT NOT NULL DEFAULT 0,
	ext_system     VARCHAR(64) NOT NULL DEFAULT '',
	ext_id         VARCHAR(64) NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_deps (
	task_id       VARCHAR(64) NOT NULL,
	depends_on_id VARCHAR(64) NOT NULL,
	PRIMARY KEY (task_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS storage_items (
	item_id          VARCHAR(64) PRIMARY KEY,
	frame_id         VARCHAR(64) NOT NULL UNIQUE,
	tier             VARCHAR(32) NOT NULL DEFAULT 'young',
	compressed_blob  LONGBLOB NOT NULL,
	compression_type VARCHAR(16) NOT NULL DEFAULT 'none',
	size_bytes       BIGINT NOT NULL DEFAULT 0,
	importance_score INT NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	migrated_at      DATETIME,
	KEY idx_storage_items_tier (tier)
);

CREATE TABLE IF NOT EXISTS migration_queue (
	item_id      VARCHAR(64) PRIMARY KEY,
	frame_id     VARCHAR(64) NOT NULL,
	from_tier    VARCHAR(32) NOT NULL,
	to_tier      VARCHAR(32) NOT NULL,
	trigger_kind VARCHAR(32) NOT NULL,
	attempts     INT NOT NULL DEFAULT 0,
	enqueued_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	lease_until  DATETIME,
	lease_holder VARCHAR(128) NOT NULL DEFAULT '',
	KEY idx_migration_queue_lease (lease_until)
);

CREATE TABLE IF NOT EXISTS config_kv (
	` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
	value TEXT NOT NULL
);
`

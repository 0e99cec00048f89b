package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

const taskSelectCols = `SELECT task_id, title, description, status, priority, tags, COALESCE(parent_task_id,''), progress, ext_system, ext_id, created_at, updated_at FROM tasks`

func (s *Store) InsertTask(ctx context.Context, t *types.Task) error {
	var parent any
	if t.ParentTaskID != "" {
		parent = t.ParentTaskID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, title, description, status, priority, tags, parent_task_id, progress, ext_system, ext_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Title, t.Description, t.Status, t.Priority, jsonOrEmpty(t.Tags, "[]"), parent, t.Progress,
		t.ExternalLink.System, t.ExternalLink.ID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return types.Wrap(types.CodeConflict, "insert task", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, t *types.Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, status=?, priority=?, tags=?, progress=?, ext_system=?, ext_id=?, updated_at=? WHERE task_id=?`,
		t.Title, t.Description, t.Status, t.Priority, jsonOrEmpty(t.Tags, "[]"), t.Progress, t.ExternalLink.System, t.ExternalLink.ID, t.UpdatedAt, t.TaskID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "update task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.CodeNotFound, "task not found", map[string]any{"task_id": t.TaskID})
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectCols+` WHERE task_id=?`, taskID)
	var t types.Task
	var tagsRaw sql.NullString
	err := row.Scan(&t.TaskID, &t.Title, &t.Description, &t.Status, &t.Priority, &tagsRaw, &t.ParentTaskID, &t.Progress,
		&t.ExternalLink.System, &t.ExternalLink.ID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "task not found", map[string]any{"task_id": taskID})
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get task", err)
	}
	if tagsRaw.Valid {
		_ = json.Unmarshal([]byte(tagsRaw.String), &t.Tags)
	}
	return &t, nil
}

func (s *Store) SelectActiveTasks(ctx context.Context, limit int) ([]*types.Task, error) {
	q := taskSelectCols + ` WHERE status IN ('pending','in_progress','blocked') ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "select active tasks", err)
	}
	defer rows.Close()
	var out []*types.Task
	for rows.Next() {
		var t types.Task
		var tagsRaw sql.NullString
		if err := rows.Scan(&t.TaskID, &t.Title, &t.Description, &t.Status, &t.Priority, &tagsRaw, &t.ParentTaskID, &t.Progress,
			&t.ExternalLink.System, &t.ExternalLink.ID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan task", err)
		}
		if tagsRaw.Valid {
			_ = json.Unmarshal([]byte(tagsRaw.String), &t.Tags)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) TaskMetrics(ctx context.Context) (*types.TaskMetrics, error) {
	m := &types.TaskMetrics{ByStatus: map[string]int{}, ByPriority: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, priority, progress FROM tasks`)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "task metrics", err)
	}
	defer rows.Close()
	var progressSum int
	for rows.Next() {
		var status, priority string
		var progress int
		if err := rows.Scan(&status, &priority, &progress); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan task metrics", err)
		}
		m.Total++
		m.ByStatus[status]++
		m.ByPriority[priority]++
		progressSum += progress
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if m.Total > 0 {
		m.AvgProgress = float64(progressSum) / float64(m.Total)
	}
	return m, nil
}

func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_deps (task_id, depends_on_id) VALUES (?, ?) ON DUPLICATE KEY UPDATE task_id=task_id`,
		taskID, dependsOnID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "add task dependency", err)
	}
	return nil
}

// --- Tiered storage / migration queue ---

func (s *Store) UpsertStorageItem(ctx context.Context, tx storage.Tx, item *types.StorageItem) error {
	ex := s.execerFor(tx)
	var existingTier types.Tier
	err := ex.QueryRowContext(ctx, `SELECT tier FROM storage_items WHERE frame_id=?`, item.FrameID).Scan(&existingTier)
	switch {
	case err == sql.ErrNoRows:
		_, err = ex.ExecContext(ctx,
			`INSERT INTO storage_items (item_id, frame_id, tier, compressed_blob, compression_type, size_bytes, importance_score, created_at, migrated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ItemID, item.FrameID, item.Tier, item.CompressedBlob, item.CompressionType, item.SizeBytes, item.ImportanceScore, item.CreatedAt, item.MigratedAt)
		if err != nil {
			return types.Wrap(types.CodeConflict, "insert storage item", err)
		}
		return nil
	case err != nil:
		return types.Wrap(types.CodeStoreUnavailable, "lookup storage item tier", err)
	}
	if !types.Advances(existingTier, item.Tier) && existingTier != item.Tier {
		return types.NewError(types.CodeConflict, "tier migration must be monotonic", map[string]any{
			"from": existingTier, "to": item.Tier,
		})
	}
	_, err = ex.ExecContext(ctx,
		`UPDATE storage_items SET tier=?, compressed_blob=?, compression_type=?, size_bytes=?, importance_score=?, migrated_at=? WHERE frame_id=?`,
		item.Tier, item.CompressedBlob, item.CompressionType, item.SizeBytes, item.ImportanceScore, item.MigratedAt, item.FrameID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "update storage item", err)
	}
	return nil
}

func (s *Store) GetStorageItem(ctx context.Context, frameID string) (*types.StorageItem, error) {
	var it types.StorageItem
	err := s.db.QueryRowContext(ctx,
		`SELECT item_id, frame_id, tier, compressed_blob, compression_type, size_bytes, importance_score, created_at, migrated_at FROM storage_items WHERE frame_id=?`,
		frameID).Scan(&it.ItemID, &it.FrameID, &it.Tier, &it.CompressedBlob, &it.CompressionType, &it.SizeBytes, &it.ImportanceScore, &it.CreatedAt, &it.MigratedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound, "storage item not found", map[string]any{"frame_id": frameID})
	}
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "get storage item", err)
	}
	return &it, nil
}

func (s *Store) EnqueueMigration(ctx context.Context, tx storage.Tx, e *types.MigrationQueueEntry) error {
	ex := s.execerFor(tx)
	_, err := ex.ExecContext(ctx,
		`INSERT INTO migration_queue (item_id, frame_id, from_tier, to_tier, trigger_kind, attempts, enqueued_at, lease_until, lease_holder)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE to_tier=VALUES(to_tier), trigger_kind=VALUES(trigger_kind)`,
		e.ItemID, e.FrameID, e.FromTier, e.ToTier, e.Trigger, e.Attempts, e.EnqueuedAt, e.LeaseUntil, e.LeaseHolder)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "enqueue migration", err)
	}
	return nil
}

func (s *Store) ClaimMigrationBatch(ctx context.Context, n int, holder string, leaseFor time.Duration) ([]*types.MigrationQueueEntry, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "begin claim tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT item_id, frame_id, from_tier, to_tier, trigger_kind, attempts, enqueued_at, lease_until, lease_holder
		 FROM migration_queue
		 WHERE lease_until IS NULL OR lease_until < ?
		 ORDER BY CASE trigger_kind WHEN 'age' THEN 0 WHEN 'size' THEN 1 ELSE 2 END, enqueued_at ASC
		 LIMIT ?`,
		now, n)
	if err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "query migration queue", err)
	}
	var claimed []*types.MigrationQueueEntry
	for rows.Next() {
		var e types.MigrationQueueEntry
		if err := rows.Scan(&e.ItemID, &e.FrameID, &e.FromTier, &e.ToTier, &e.Trigger, &e.Attempts, &e.EnqueuedAt, &e.LeaseUntil, &e.LeaseHolder); err != nil {
			rows.Close()
			return nil, types.Wrap(types.CodeStoreUnavailable, "scan migration queue entry", err)
		}
		claimed = append(claimed, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(leaseFor)
	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE migration_queue SET lease_until=?, lease_holder=?, attempts=attempts+1 WHERE item_id=?`,
			until, holder, e.ItemID); err != nil {
			return nil, types.Wrap(types.CodeStoreUnavailable, "lease migration entry", err)
		}
		e.LeaseUntil = &until
		e.LeaseHolder = holder
		e.Attempts++
	}
	if err := tx.Commit(); err != nil {
		return nil, types.Wrap(types.CodeStoreUnavailable, "commit claim tx", err)
	}
	return claimed, nil
}

func (s *Store) CompleteMigration(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_queue WHERE item_id=?`, itemID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "complete migration", err)
	}
	return nil
}

func (s *Store) RequeueMigration(ctx context.Context, m *types.MigrationQueueEntry) error {
	_, err := s.db.ExecContext(ctx, `UPDATE migration_queue SET lease_until=NULL, lease_holder='' WHERE item_id=?`, m.ItemID)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "requeue migration", err)
	}
	return nil
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migration_queue`).Scan(&n); err != nil {
		return 0, types.Wrap(types.CodeStoreUnavailable, "queue depth", err)
	}
	return n, nil
}

// --- Config ---

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config_kv WHERE `key`=?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", types.NewError(types.CodeNotFound, "config key not found", map[string]any{"key": key})
	}
	if err != nil {
		return "", types.Wrap(types.CodeStoreUnavailable, "get config", err)
	}
	return v, nil
}

func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO config_kv (`key`, value) VALUES (?, ?) ON DUPLICATE KEY UPDATE value=VALUES(value)",
		key, value)
	if err != nil {
		return types.Wrap(types.CodeStoreUnavailable, "set config", err)
	}
	return nil
}

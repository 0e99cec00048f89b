package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskPriority mirrors the fixed priority band used by the Task CRUD surface.
type TaskPriority string

const (
	TaskLow    TaskPriority = "low"
	TaskMedium TaskPriority = "medium"
	TaskHigh   TaskPriority = "high"
	TaskUrgent TaskPriority = "urgent"
)

// ExternalLink records a pointer into a third-party ticket system (Linear,
// Jira, ...). The engine never syncs these itself — see internal/linear.
type ExternalLink struct {
	System string `json:"system,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Task is the small companion store described in spec §3 "Task".
type Task struct {
	TaskID       string       `json:"task_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Status       TaskStatus   `json:"status"`
	Priority     TaskPriority `json:"priority"`
	Tags         []string     `json:"tags,omitempty"`
	ParentTaskID string       `json:"parent_task_id,omitempty"`
	Progress     int          `json:"progress"` // 0..100
	ExternalLink ExternalLink `json:"external_link,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TaskMetrics is the aggregate rollup returned by get_task_metrics.
type TaskMetrics struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	ByPriority  map[string]int `json:"by_priority"`
	AvgProgress float64        `json:"avg_progress"`
}

package toolsurface

import "encoding/json"

// StartFrameArgs is the payload for start_frame (spec §4.4, §4.9).
type StartFrameArgs struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Constraints []string       `json:"constraints,omitempty"`
	Definitions map[string]any `json:"definitions,omitempty"`
}

// CloseFrameArgs is the payload for close_frame. FrameID empty means "the
// current stack top".
type CloseFrameArgs struct {
	FrameID string `json:"frame_id,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// AppendEventArgs is the payload for append_event.
type AppendEventArgs struct {
	FrameID   string          `json:"frame_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// AddAnchorArgs is the payload for add_anchor.
type AddAnchorArgs struct {
	FrameID  string         `json:"frame_id"`
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Priority int            `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddDecisionArgs is the payload for add_decision — a thin, named
// convenience over add_anchor{type: DECISION} (spec §4.9 table lists it as
// its own operation since decisions are the anchor kind agents reach for
// most).
type AddDecisionArgs struct {
	FrameID  string         `json:"frame_id"`
	Text     string         `json:"text"`
	Priority int            `json:"priority,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// GetContextArgs is the payload for get_context.
type GetContextArgs struct {
	Query        string   `json:"query,omitempty"`
	BudgetTokens int      `json:"budget_tokens,omitempty"`
	Kinds        []string `json:"kinds,omitempty"`
	// Since is an optional English relative-date phrase ("yesterday", "3
	// days ago") narrowing results to anchors/frames created after it.
	Since string `json:"since,omitempty"`
}

// GetHotStackArgs is the payload for get_hot_stack.
type GetHotStackArgs struct {
	MaxEventsPerFrame int `json:"max_events_per_frame,omitempty"`
}

// CreateTaskArgs is the payload for create_task.
type CreateTaskArgs struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
}

// UpdateTaskStatusArgs is the payload for update_task_status.
type UpdateTaskStatusArgs struct {
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
}

// GetActiveTasksArgs is the payload for get_active_tasks.
type GetActiveTasksArgs struct {
	Limit int `json:"limit,omitempty"`
}

// AddTaskDependencyArgs is the payload for add_task_dependency.
type AddTaskDependencyArgs struct {
	TaskID      string `json:"task_id"`
	DependsOnID string `json:"depends_on_id"`
}

// SearchFramesArgs is the payload for search_frames.
type SearchFramesArgs struct {
	Query     string   `json:"query"`
	ProjectID string   `json:"project_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

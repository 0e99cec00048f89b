// Package toolsurface exposes the narrow, stable operation set StackMemory
// offers the outside world (spec §4.9): one Request/Response envelope
// shape, a dispatch table keyed by operation name, and a uniform error
// envelope (spec §7). Request/Response mirror the teacher's
// internal/rpc.Request/Response shape (Operation string + Args
// json.RawMessage in, a single JSON envelope out) adapted to the wire
// format spec §6 actually specifies: `{content: [{type, text}], metadata?}`
// rather than the teacher's {success, data, error}.
package toolsurface

import (
	"encoding/json"
	"errors"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Operation name constants (spec §4.9 table), grounded on the teacher's
// internal/rpc/protocol.go Op* constant block shape.
const (
	OpStartFrame        = "start_frame"
	OpCloseFrame        = "close_frame"
	OpAppendEvent       = "append_event"
	OpAddAnchor         = "add_anchor"
	OpAddDecision       = "add_decision"
	OpGetContext        = "get_context"
	OpGetHotStack       = "get_hot_stack"
	OpCreateTask        = "create_task"
	OpUpdateTaskStatus  = "update_task_status"
	OpGetActiveTasks    = "get_active_tasks"
	OpGetTaskMetrics    = "get_task_metrics"
	OpAddTaskDependency = "add_task_dependency"
	OpSearchFrames      = "search_frames"
)

// Request is one Tool Surface call.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
	RequestID string          `json:"request_id,omitempty"`
	// DeadlineMS, if set, bounds the call (spec §5 "every Tool Surface call
	// accepts an optional deadline").
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// ContentBlock is one entry of a Response's content list (spec §6).
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Response is the uniform envelope every Tool Surface call returns.
type Response struct {
	Content  []ContentBlock `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *ErrorEnvelope `json:"error,omitempty"`
}

// ErrorEnvelope is the uniform {error_code, message, details} shape every
// failed operation returns (spec §4.9, §7).
type ErrorEnvelope struct {
	ErrorCode types.Code     `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func errorResponse(err error) *Response {
	var te *types.Error
	if errors.As(err, &te) {
		return &Response{Error: &ErrorEnvelope{ErrorCode: te.ErrCode, Message: te.Message, Details: te.Details}}
	}
	return &Response{Error: &ErrorEnvelope{ErrorCode: types.CodeStoreUnavailable, Message: err.Error()}}
}

func textResponse(text string, metadata map[string]any) *Response {
	return &Response{Content: []ContentBlock{{Type: "text", Text: text}}, Metadata: metadata}
}

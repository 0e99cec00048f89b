package eventbus

import "time"

// EventType names a lifecycle hook a handler can subscribe to (spec §4.10).
type EventType string

const (
	EventSessionStart    EventType = "session_start"
	EventFileChange      EventType = "file_change"
	EventContextSwitch   EventType = "context_switch"
	EventSessionEnd      EventType = "session_end"
	EventFrameClosed     EventType = "frame_closed"
	EventSuggestionReady EventType = "suggestion_ready"
)

// Event is one lifecycle occurrence dispatched to matching handlers.
type Event struct {
	Type      EventType
	SessionID string
	FrameID   string
	Payload   map[string]any
	At        time.Time
}

// Result aggregates handler side effects across one Dispatch call; handlers
// may append to it without knowing about each other.
type Result struct {
	Errors []error
}

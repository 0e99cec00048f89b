package eventbus

import "context"

// Handler processes events on the bus. Handlers are called in priority
// order (lower priority value = called earlier) for matching event types —
// directly grounded on the teacher's internal/eventbus.Handler interface.
type Handler interface {
	ID() string
	Handles() []EventType
	Priority() int
	Handle(ctx context.Context, event *Event, result *Result) error
}

// FuncHandler adapts a plain function to Handler for simple subscribers
// (e.g. the Daemon's own internal hooks) that don't need a dedicated type.
type FuncHandler struct {
	IDValue    string
	EventTypes []EventType
	Prio       int
	Fn         func(ctx context.Context, event *Event, result *Result) error
}

func (f *FuncHandler) ID() string           { return f.IDValue }
func (f *FuncHandler) Handles() []EventType { return f.EventTypes }
func (f *FuncHandler) Priority() int        { return f.Prio }
func (f *FuncHandler) Handle(ctx context.Context, event *Event, result *Result) error {
	return f.Fn(ctx, event, result)
}

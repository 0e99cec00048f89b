package toolsurface

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/framemanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/idgen"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/retriever"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/storage"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/tiermanager"
	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// DefaultContextBudgetTokens is used when get_context omits budget_tokens.
const DefaultContextBudgetTokens = 10_000

// Server implements the 13-operation surface of spec §4.9 over one active
// session's Frame Manager. Handlers are grounded on the shape of the
// teacher's internal/rpc.Server.handle* methods (unmarshal args, call the
// storage/domain layer, marshal a result) but return the flat
// {content, metadata, error} envelope spec §6 specifies rather than the
// teacher's {success, data, error} Response.
type Server struct {
	frames    *framemanager.Manager
	retriever *retriever.Retriever
	tier      *tiermanager.Manager
	store     storage.Storage
	logger    *slog.Logger

	dispatch map[string]func(ctx context.Context, args json.RawMessage) *Response
}

// NewServer wires a Tool Surface over an already-constructed session stack.
func NewServer(frames *framemanager.Manager, ret *retriever.Retriever, tier *tiermanager.Manager, store storage.Storage, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{frames: frames, retriever: ret, tier: tier, store: store, logger: logger}
	if tier != nil {
		frames.SetTierManager(tier)
	}
	frames.SetLogger(logger)
	// Built once at construction (spec §4.9 implementation note): a literal
	// map keeps this 13-operation taxonomy auditable in one place instead of
	// spread across a growing switch, the deliberate departure from the
	// teacher's switch req.Operation chain recorded in SPEC_FULL.md §4.9.
	s.dispatch = map[string]func(context.Context, json.RawMessage) *Response{
		OpStartFrame:        s.handleStartFrame,
		OpCloseFrame:        s.handleCloseFrame,
		OpAppendEvent:       s.handleAppendEvent,
		OpAddAnchor:         s.handleAddAnchor,
		OpAddDecision:       s.handleAddDecision,
		OpGetContext:        s.handleGetContext,
		OpGetHotStack:       s.handleGetHotStack,
		OpCreateTask:        s.handleCreateTask,
		OpUpdateTaskStatus:  s.handleUpdateTaskStatus,
		OpGetActiveTasks:    s.handleGetActiveTasks,
		OpGetTaskMetrics:    s.handleGetTaskMetrics,
		OpAddTaskDependency: s.handleAddTaskDependency,
		OpSearchFrames:      s.handleSearchFrames,
	}
	return s
}

// Handle dispatches req to the matching operation handler, applying its
// optional deadline (spec §5 "every Tool Surface call accepts an optional
// deadline").
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	fn, ok := s.dispatch[req.Operation]
	if !ok {
		return errorResponse(types.NewError(types.CodeInvalidArgument, "unknown operation", map[string]any{"operation": req.Operation}))
	}
	if req.DeadlineMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineMS)*time.Millisecond)
		defer cancel()
	}
	resp := fn(ctx, req.Args)
	if resp.Error == nil && resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	return resp
}

func unmarshalArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, types.NewError(types.CodeInvalidArgument, "invalid operation args: "+err.Error(), nil)
	}
	return v, nil
}

func (s *Server) handleStartFrame(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[StartFrameArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	frameID, err := s.frames.StartFrame(ctx, args.Name, types.FrameType(args.Type), args.Constraints, args.Definitions)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(frameID, map[string]any{"frame_id": frameID})
}

func (s *Server) handleCloseFrame(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[CloseFrameArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	digest, err := s.frames.CloseFrame(ctx, args.FrameID, args.Summary)
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(digest)
	return textResponse(string(body), map[string]any{"status": string(digest.Status)})
}

func (s *Server) handleAppendEvent(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[AppendEventArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	eventID, err := s.frames.AppendEvent(ctx, args.FrameID, types.EventType(args.EventType), []byte(args.Payload))
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(eventID, map[string]any{"event_id": eventID})
}

func (s *Server) handleAddAnchor(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[AddAnchorArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	anchorID, err := s.frames.AddAnchor(ctx, args.FrameID, types.AnchorType(args.Type), args.Text, args.Priority, args.Metadata)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(anchorID, map[string]any{"anchor_id": anchorID})
}

func (s *Server) handleAddDecision(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[AddDecisionArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	anchorID, err := s.frames.AddAnchor(ctx, args.FrameID, types.AnchorDecision, args.Text, args.Priority, args.Metadata)
	if err != nil {
		return errorResponse(err)
	}
	return textResponse(anchorID, map[string]any{"anchor_id": anchorID})
}

func (s *Server) handleGetContext(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[GetContextArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	budget := args.BudgetTokens
	if budget <= 0 {
		budget = DefaultContextBudgetTokens
	}
	projectID := ""
	if sess, err := s.store.GetSession(ctx, s.frames.SessionID()); err == nil {
		projectID = sess.ProjectID
	}
	bundle, err := s.retriever.GetContext(ctx, args.Query, budget, retriever.Filters{
		ProjectID: projectID,
		SessionID: s.frames.SessionID(),
		Kinds:     args.Kinds,
		Since:     args.Since,
	})
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(bundle)
	return textResponse(string(body), map[string]any{"truncated": bundle.Truncated, "total_tokens": bundle.TotalTokens})
}

func (s *Server) handleGetHotStack(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[GetHotStackArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	stack, err := s.frames.GetHotStack(ctx, args.MaxEventsPerFrame)
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(stack)
	return textResponse(string(body), map[string]any{"depth": len(stack.Frames)})
}

func (s *Server) handleCreateTask(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[CreateTaskArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	if args.Title == "" {
		return errorResponse(types.NewError(types.CodeInvalidArgument, "title is required", nil))
	}
	priority := types.TaskPriority(args.Priority)
	if priority == "" {
		priority = types.TaskMedium
	}
	now := time.Now().UTC()
	task := &types.Task{
		TaskID:       idgen.NewTaskID(),
		Title:        args.Title,
		Description:  args.Description,
		Status:       types.TaskPending,
		Priority:     priority,
		Tags:         args.Tags,
		ParentTaskID: args.ParentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(task)
	return textResponse(string(body), map[string]any{"task_id": task.TaskID})
}

func (s *Server) handleUpdateTaskStatus(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[UpdateTaskStatusArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	task, err := s.store.GetTask(ctx, args.TaskID)
	if err != nil {
		return errorResponse(err)
	}
	task.Status = types.TaskStatus(args.Status)
	if args.Progress != nil {
		task.Progress = *args.Progress
	}
	task.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(task)
	return textResponse(string(body), map[string]any{"task_id": task.TaskID, "status": string(task.Status)})
}

func (s *Server) handleGetActiveTasks(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[GetActiveTasksArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}
	tasks, err := s.store.SelectActiveTasks(ctx, limit)
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(tasks)
	return textResponse(string(body), map[string]any{"count": len(tasks)})
}

func (s *Server) handleGetTaskMetrics(ctx context.Context, _ json.RawMessage) *Response {
	metrics, err := s.store.TaskMetrics(ctx)
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(metrics)
	return textResponse(string(body), map[string]any{"total": metrics.Total})
}

func (s *Server) handleAddTaskDependency(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[AddTaskDependencyArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	if args.TaskID == args.DependsOnID {
		return errorResponse(types.NewError(types.CodeInvalidArgument, "a task cannot depend on itself", map[string]any{"task_id": args.TaskID}))
	}
	if err := s.store.AddTaskDependency(ctx, args.TaskID, args.DependsOnID); err != nil {
		return errorResponse(err)
	}
	return textResponse("ok", map[string]any{"task_id": args.TaskID, "depends_on_id": args.DependsOnID})
}

func (s *Server) handleSearchFrames(ctx context.Context, raw json.RawMessage) *Response {
	args, err := unmarshalArgs[SearchFramesArgs](raw)
	if err != nil {
		return errorResponse(err)
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}
	hits, err := s.store.SearchFulltext(ctx, args.Query, storage.SearchFilters{
		ProjectID: args.ProjectID,
		SessionID: args.SessionID,
		Kinds:     args.Kinds,
	}, limit)
	if err != nil {
		return errorResponse(err)
	}
	body, _ := json.Marshal(hits)
	return textResponse(string(body), map[string]any{"count": len(hits)})
}

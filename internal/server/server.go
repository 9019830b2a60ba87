// Package server exposes the task engine over HTTP and gRPC. Both
// transports call the same TaskServer methods; errors are mapped to
// status codes in errors.go.
package server

import (
	"context"
	"log/slog"

	"github.com/alfredjeanlab/sorotask/internal/engine"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "sorotask.v1.TaskService"

// TaskServer implements TaskService on top of an Engine.
type TaskServer struct {
	engine *engine.Engine
	sseHub *sseHub
	logger *slog.Logger
}

var _ TaskService = (*TaskServer)(nil)

// NewTaskServer returns a server for eng. A nil logger uses slog.Default().
func NewTaskServer(eng *engine.Engine, logger *slog.Logger) *TaskServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskServer{
		engine: eng,
		sseHub: newSSEHub(),
		logger: logger,
	}
}

// RegisterTask registers a task on behalf of its creator.
func (s *TaskServer) RegisterTask(ctx context.Context, req *RegisterTaskRequest) (*RegisterTaskResponse, error) {
	if req.Config == nil {
		return nil, inputError("config is required")
	}
	id, err := s.engine.Register(ctx, req.Config, req.Proof)
	if err != nil {
		return nil, err
	}
	s.sseHub.notify()
	return &RegisterTaskResponse{TaskID: id}, nil
}

// GetTask looks a task up. An unknown ID yields a nil Task, not an error.
func (s *TaskServer) GetTask(ctx context.Context, req *GetTaskRequest) (*GetTaskResponse, error) {
	cfg, err := s.engine.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &GetTaskResponse{TaskID: req.TaskID, Task: cfg}, nil
}

// ListTasks pages through registered tasks.
func (s *TaskServer) ListTasks(ctx context.Context, req *ListTasksRequest) (*ListTasksResponse, error) {
	if req.Limit < 0 {
		return nil, inputError("limit must not be negative")
	}
	tasks, err := s.engine.ListTasks(ctx, model.TaskFilter{
		Creator: req.Creator,
		AfterID: req.AfterID,
		Limit:   req.Limit,
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*model.Task{}
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

// ExecuteTask triggers one evaluation of a task. No authorization applies.
func (s *TaskServer) ExecuteTask(ctx context.Context, req *ExecuteTaskRequest) (*ExecuteTaskResponse, error) {
	out, err := s.engine.Execute(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	return &ExecuteTaskResponse{TaskID: out.TaskID, Fired: out.Fired, LastRun: out.LastRun}, nil
}

// Monitor is reserved and does nothing.
func (s *TaskServer) Monitor(ctx context.Context, _ *MonitorRequest) (*MonitorResponse, error) {
	if err := s.engine.Monitor(ctx); err != nil {
		return nil, err
	}
	return &MonitorResponse{}, nil
}

// ListEvents returns the persisted notifications for a task. ID 0 names
// no task, so it yields an empty list rather than the whole log.
func (s *TaskServer) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	if req.TaskID == 0 {
		return &ListEventsResponse{Events: []*model.Event{}}, nil
	}
	evts, err := s.engine.ListEvents(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []*model.Event{}
	}
	return &ListEventsResponse{Events: evts}, nil
}

// Health reports liveness and the number of IDs allocated so far.
func (s *TaskServer) Health(ctx context.Context, _ *HealthRequest) (*HealthResponse, error) {
	n, err := s.engine.Store().Counter(ctx)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{Status: "ok", Tasks: uint64(n)}, nil
}

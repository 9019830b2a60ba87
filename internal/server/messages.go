package server

import "github.com/alfredjeanlab/sorotask/internal/model"

// Request and response messages shared by the HTTP and gRPC transports.
// gRPC carries them with the JSON codec.

type RegisterTaskRequest struct {
	Config *model.TaskConfig `json:"config"`
	Proof  string            `json:"proof"`
}

type RegisterTaskResponse struct {
	TaskID model.TaskID `json:"task_id"`
}

type GetTaskRequest struct {
	TaskID model.TaskID `json:"task_id"`
}

// GetTaskResponse has a null Task when the ID was never registered.
type GetTaskResponse struct {
	TaskID model.TaskID      `json:"task_id"`
	Task   *model.TaskConfig `json:"task"`
}

type ListTasksRequest struct {
	Creator model.Identity `json:"creator,omitempty"`
	AfterID model.TaskID   `json:"after_id,omitempty"`
	Limit   int            `json:"limit,omitempty"`
}

type ListTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
}

type ExecuteTaskRequest struct {
	TaskID model.TaskID `json:"task_id"`
}

type ExecuteTaskResponse struct {
	TaskID  model.TaskID `json:"task_id"`
	Fired   bool         `json:"fired"`
	LastRun uint64       `json:"last_run"`
}

type MonitorRequest struct{}

type MonitorResponse struct{}

type ListEventsRequest struct {
	TaskID model.TaskID `json:"task_id"`
}

type ListEventsResponse struct {
	Events []*model.Event `json:"events"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
	Tasks  uint64 `json:"tasks"`
}

// ErrorBody is the JSON error payload returned by the HTTP transport.
type ErrorBody struct {
	Error string `json:"error"`
	Code  uint32 `json:"code,omitempty"`
}

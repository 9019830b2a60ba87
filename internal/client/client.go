// Package client provides a transport-agnostic interface for the task
// service, with HTTP/JSON and gRPC implementations.
package client

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// TaskClient is the interface the CLI and the keeper use to talk to a
// task server. It is implemented by HTTPClient and GRPCClient.
type TaskClient interface {
	// Registry
	Register(ctx context.Context, cfg *model.TaskConfig, proof string) (model.TaskID, error)
	GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error)
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)

	// Dispatch
	Execute(ctx context.Context, id model.TaskID) (*ExecuteResult, error)
	Monitor(ctx context.Context) error

	// Events
	ListEvents(ctx context.Context, id model.TaskID) ([]*model.Event, error)

	// Health
	Health(ctx context.Context) (string, error)

	// Lifecycle
	Close() error
}

// ExecuteResult reports what one execute call did.
type ExecuteResult struct {
	TaskID  model.TaskID `json:"task_id"`
	Fired   bool         `json:"fired"`
	LastRun uint64       `json:"last_run"`
}

// APIError represents an error response from the server. StatusCode is
// the HTTP status for the HTTP transport; GRPCCode is set instead for gRPC.
// Code carries the contract error code when the server reported one.
type APIError struct {
	StatusCode int
	GRPCCode   codes.Code
	Message    string
	Code       model.ErrorCode
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("rpc %s: %s", e.GRPCCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the response back onto the model's errors so callers can use
// errors.Is(err, model.ErrInvalidInterval) regardless of transport.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code != 0:
		return &model.Error{Code: e.Code}
	case e.StatusCode == http.StatusNotFound, e.GRPCCode == codes.NotFound:
		return model.ErrTaskNotFound
	case e.StatusCode == http.StatusForbidden, e.GRPCCode == codes.PermissionDenied:
		return model.ErrUnauthorized
	default:
		return nil
	}
}

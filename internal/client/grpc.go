package client

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/server"
)

// GRPCClient implements TaskClient over gRPC with the JSON codec.
type GRPCClient struct {
	conn  *grpc.ClientConn
	token string
}

// NewGRPCClient connects to the given gRPC address and returns a client.
func NewGRPCClient(addr, token string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	return &GRPCClient{conn: conn, token: token}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// invoke calls method and converts a failure into an *APIError carrying
// the contract code from the trailer.
func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, server.FullMethod(method), req, resp, grpc.Trailer(&trailer))
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	apiErr := &APIError{GRPCCode: st.Code(), Message: st.Message()}
	if vals := trailer.Get(server.ErrorCodeTrailer); len(vals) > 0 {
		if n, perr := strconv.ParseUint(vals[0], 10, 32); perr == nil {
			apiErr.Code = model.ErrorCode(n)
		}
	}
	return apiErr
}

func (c *GRPCClient) Register(ctx context.Context, cfg *model.TaskConfig, proof string) (model.TaskID, error) {
	var resp server.RegisterTaskResponse
	if err := c.invoke(ctx, "RegisterTask", &server.RegisterTaskRequest{Config: cfg, Proof: proof}, &resp); err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

func (c *GRPCClient) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	var resp server.GetTaskResponse
	if err := c.invoke(ctx, "GetTask", &server.GetTaskRequest{TaskID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *GRPCClient) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	var resp server.ListTasksResponse
	req := &server.ListTasksRequest{Creator: filter.Creator, AfterID: filter.AfterID, Limit: filter.Limit}
	if err := c.invoke(ctx, "ListTasks", req, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *GRPCClient) Execute(ctx context.Context, id model.TaskID) (*ExecuteResult, error) {
	var resp server.ExecuteTaskResponse
	if err := c.invoke(ctx, "ExecuteTask", &server.ExecuteTaskRequest{TaskID: id}, &resp); err != nil {
		return nil, err
	}
	return &ExecuteResult{TaskID: resp.TaskID, Fired: resp.Fired, LastRun: resp.LastRun}, nil
}

func (c *GRPCClient) Monitor(ctx context.Context) error {
	return c.invoke(ctx, "Monitor", &server.MonitorRequest{}, &server.MonitorResponse{})
}

func (c *GRPCClient) ListEvents(ctx context.Context, id model.TaskID) ([]*model.Event, error) {
	var resp server.ListEventsResponse
	if err := c.invoke(ctx, "ListEvents", &server.ListEventsRequest{TaskID: id}, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *GRPCClient) Health(ctx context.Context) (string, error) {
	var resp server.HealthResponse
	if err := c.invoke(ctx, "Health", &server.HealthRequest{}, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

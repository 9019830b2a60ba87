package server

import (
	"context"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ErrorCodeTrailer carries the numeric contract error code (e.g. 1 for
// InvalidInterval) on failed RPCs.
const ErrorCodeTrailer = "sorotask-error-code"

// TaskService is the RPC surface of the engine.
type TaskService interface {
	RegisterTask(context.Context, *RegisterTaskRequest) (*RegisterTaskResponse, error)
	GetTask(context.Context, *GetTaskRequest) (*GetTaskResponse, error)
	ListTasks(context.Context, *ListTasksRequest) (*ListTasksResponse, error)
	ExecuteTask(context.Context, *ExecuteTaskRequest) (*ExecuteTaskResponse, error)
	Monitor(context.Context, *MonitorRequest) (*MonitorResponse, error)
	ListEvents(context.Context, *ListEventsRequest) (*ListEventsResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// TaskServiceDesc describes TaskService for grpc.Server.RegisterService.
var TaskServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterTask", Handler: unaryHandler("RegisterTask", TaskService.RegisterTask)},
		{MethodName: "GetTask", Handler: unaryHandler("GetTask", TaskService.GetTask)},
		{MethodName: "ListTasks", Handler: unaryHandler("ListTasks", TaskService.ListTasks)},
		{MethodName: "ExecuteTask", Handler: unaryHandler("ExecuteTask", TaskService.ExecuteTask)},
		{MethodName: "Monitor", Handler: unaryHandler("Monitor", TaskService.Monitor)},
		{MethodName: "ListEvents", Handler: unaryHandler("ListEvents", TaskService.ListEvents)},
		{MethodName: "Health", Handler: unaryHandler("Health", TaskService.Health)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sorotask/v1/tasks.json",
}

// unaryHandler adapts a typed TaskService method to grpc.MethodHandler.
// Engine errors are converted to status errors, with the contract code
// attached as a trailer.
func unaryHandler[Req, Resp any](name string, call func(TaskService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	invoke := func(srv any, ctx context.Context, in *Req) (*Resp, error) {
		resp, err := call(srv.(TaskService), ctx, in)
		if err != nil {
			if _, _, code := classify(err); code != 0 {
				_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorCodeTrailer, strconv.FormatUint(uint64(code), 10)))
			}
			return nil, grpcError(err)
		}
		return resp, nil
	}
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// NewGRPCServer creates a gRPC server with standard interceptors and
// registers the TaskService. When authToken is non-empty every RPC except
// Health requires it as a bearer token.
func NewGRPCServer(ts *TaskServer, authToken string, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			AuthInterceptor(authToken),
		),
	)
	srv.RegisterService(&TaskServiceDesc, ts)
	return srv
}

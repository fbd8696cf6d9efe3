// Package rpc defines the gRPC service spoken between a dispatcher and its
// worker processes. Messages are protobuf well-known types so the service
// needs no generated code.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "taskpool.Worker"

	executeMethod = "/" + ServiceName + "/Execute"
	pingMethod    = "/" + ServiceName + "/Ping"

	// MaxMessageSize bounds a single encoded call or result.
	MaxMessageSize = 64 << 20
)

// WorkerServer is the server API for the Worker service.
type WorkerServer interface {
	// Execute runs one call and returns its encoded result.
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Ping reports the worker identity and the functions it can run.
	Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// WorkerClient is the client API for the Worker service.
type WorkerClient interface {
	Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type workerClient struct {
	cc grpc.ClientConnInterface
}

// NewWorkerClient wraps a connection to a worker.
func NewWorkerClient(cc grpc.ClientConnInterface) WorkerClient {
	return &workerClient{cc: cc}
}

func (c *workerClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, executeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerClient) Ping(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, pingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterWorkerServer registers srv on s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// WorkerServiceDesc is the grpc.ServiceDesc for the Worker service.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskpool/worker",
}

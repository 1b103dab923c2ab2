// Package grpcapi serves progress.v1.ProgressService. Messages are google.protobuf.Struct
// so callers need no generated stubs; Client wraps the raw calls.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "progress.v1.ProgressService"

// ProgressServer is the server API for progress.v1.ProgressService.
type ProgressServer interface {
	GetProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SaveProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	DeleteProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProgressServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetProgress", Handler: unary("GetProgress", ProgressServer.GetProgress)},
		{MethodName: "SaveProgress", Handler: unary("SaveProgress", ProgressServer.SaveProgress)},
		{MethodName: "DeleteProgress", Handler: unary("DeleteProgress", ProgressServer.DeleteProgress)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "progress/v1/progress.proto",
}

func RegisterProgressServer(s grpc.ServiceRegistrar, srv ProgressServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

type call func(ProgressServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ProgressServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(ProgressServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

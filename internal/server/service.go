package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "specfit.v1.FitSession"

// FitSessionServer is the server API for the FitSession service.
//
// Messages are protobuf well-known types, so no generated code is needed:
// fits travel as google.protobuf.Struct, ids as Int64Value.
type FitSessionServer interface {
	ListFits(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetFit(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	CreateFit(context.Context, *structpb.Struct) (*wrapperspb.Int64Value, error)
	Refit(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	Select(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	RemoveFit(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	RunBatch(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetPreview(context.Context, *wrapperspb.Int64Value) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the FitSession service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FitSessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("ListFits", FitSessionServer.ListFits),
		unary("GetFit", FitSessionServer.GetFit),
		unary("CreateFit", FitSessionServer.CreateFit),
		unary("Refit", FitSessionServer.Refit),
		unary("Select", FitSessionServer.Select),
		unary("RemoveFit", FitSessionServer.RemoveFit),
		unary("RunBatch", FitSessionServer.RunBatch),
		unary("GetPreview", FitSessionServer.GetPreview),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "specfit/v1/fit_session.proto",
}

// RegisterFitSessionServer registers srv on s.
func RegisterFitSessionServer(s grpc.ServiceRegistrar, srv FitSessionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method handler the way protoc-gen-go-grpc does.
func unary[Req any, Resp any](name string, call func(FitSessionServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(FitSessionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(FitSessionServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

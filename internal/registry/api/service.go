package grpcregistry

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The registry speaks google.protobuf.Struct on the wire. Requests and
// responses are JSON-shaped documents of store.ModelVersion records, which
// keeps the service free of generated code.

const serviceName = "sqlml.registry.v1.ModelRegistryAPI"

const (
	methodRegister   = "RegisterModelVersion"
	methodGet        = "GetModelVersion"
	methodList       = "ListModelVersions"
	methodTransition = "TransitionStage"
	methodDelete     = "DeleteModelVersion"
)

func fullMethod(m string) string { return "/" + serviceName + "/" + m }

// ModelRegistryAPIServer is the server API for the model registry service.
type ModelRegistryAPIServer interface {
	RegisterModelVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetModelVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListModelVersions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TransitionStage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteModelVersion(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv ModelRegistryAPIServer, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ModelRegistryAPIServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ModelRegistryAPIServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var modelRegistryServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ModelRegistryAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodRegister, ModelRegistryAPIServer.RegisterModelVersion),
		unaryHandler(methodGet, ModelRegistryAPIServer.GetModelVersion),
		unaryHandler(methodList, ModelRegistryAPIServer.ListModelVersions),
		unaryHandler(methodTransition, ModelRegistryAPIServer.TransitionStage),
		unaryHandler(methodDelete, ModelRegistryAPIServer.DeleteModelVersion),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sqlml/registry/v1/registry.proto",
}

// RegisterModelRegistryAPIServer registers srv with the gRPC server.
func RegisterModelRegistryAPIServer(s grpc.ServiceRegistrar, srv ModelRegistryAPIServer) {
	s.RegisterService(&modelRegistryServiceDesc, srv)
}

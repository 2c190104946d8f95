package service

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "slabkv.SlabStore"

// Full method names, as used by clients and interceptors
const (
	MethodBulkPut    = "/" + ServiceName + "/BulkPut"
	MethodGetBatch   = "/" + ServiceName + "/GetBatch"
	MethodBulkDelete = "/" + ServiceName + "/BulkDelete"
	MethodRange      = "/" + ServiceName + "/Range"
	MethodStats      = "/" + ServiceName + "/Stats"
	MethodChecksum   = "/" + ServiceName + "/Checksum"
)

// SlabStoreServer is the server API for the slab store service. Request and
// response payloads are packed little-endian regions (see package bridge)
// carried in protobuf well-known types.
type SlabStoreServer interface {
	BulkPut(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	GetBatch(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	BulkDelete(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Range(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Checksum(context.Context, *emptypb.Empty) (*wrapperspb.UInt64Value, error)
}

// ServiceDesc describes the slab store service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SlabStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "BulkPut", Handler: unaryHandler(MethodBulkPut, SlabStoreServer.BulkPut)},
		{MethodName: "GetBatch", Handler: unaryHandler(MethodGetBatch, SlabStoreServer.GetBatch)},
		{MethodName: "BulkDelete", Handler: unaryHandler(MethodBulkDelete, SlabStoreServer.BulkDelete)},
		{MethodName: "Range", Handler: unaryHandler(MethodRange, SlabStoreServer.Range)},
		{MethodName: "Stats", Handler: unaryHandler(MethodStats, SlabStoreServer.Stats)},
		{MethodName: "Checksum", Handler: unaryHandler(MethodChecksum, SlabStoreServer.Checksum)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "slabkv.proto",
}

// RegisterSlabStoreServer registers srv with s
func RegisterSlabStoreServer(s grpc.ServiceRegistrar, srv SlabStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unaryHandler[Req, Resp any](fullMethod string, call func(SlabStoreServer, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SlabStoreServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SlabStoreServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

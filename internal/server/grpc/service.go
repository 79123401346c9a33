package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the purchases service.
const ServiceName = "iap.v1.Purchases"

// Full method names.
const (
	MethodProducts = "/" + ServiceName + "/Products"
	MethodPurchase = "/" + ServiceName + "/Purchase"
	MethodRestore  = "/" + ServiceName + "/Restore"
	MethodStatus   = "/" + ServiceName + "/Status"
)

// PurchasesServer is the server API of the purchases service. Messages are
// protobuf well-known types, see package convert for their layout.
type PurchasesServer interface {
	Products(context.Context, *structpb.ListValue) (*structpb.Struct, error)
	Purchase(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Restore(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func handler[T any, PT interface {
	*T
	proto.Message
}](fullMethod string, call func(PurchasesServer, context.Context, PT) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
		in := PT(new(T))
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(PurchasesServer)
		if ic == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(PT))
		})
	}
}

// ServiceDesc describes the purchases service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PurchasesServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Products", Handler: handler[structpb.ListValue](MethodProducts, PurchasesServer.Products)},
		{MethodName: "Purchase", Handler: handler[wrapperspb.StringValue](MethodPurchase, PurchasesServer.Purchase)},
		{MethodName: "Restore", Handler: handler[emptypb.Empty](MethodRestore, PurchasesServer.Restore)},
		{MethodName: "Status", Handler: handler[emptypb.Empty](MethodStatus, PurchasesServer.Status)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterPurchasesServer registers srv on s.
func RegisterPurchasesServer(s grpc.ServiceRegistrar, srv PurchasesServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// PurchasesClient calls the purchases service.
type PurchasesClient struct {
	cc grpc.ClientConnInterface
}

// NewPurchasesClient wraps an established connection.
func NewPurchasesClient(cc grpc.ClientConnInterface) *PurchasesClient {
	return &PurchasesClient{cc: cc}
}

// Products fetches catalog entries for the given product ids.
func (c *PurchasesClient) Products(ctx context.Context, ids []string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	vals := make([]*structpb.Value, 0, len(ids))
	for _, id := range ids {
		vals = append(vals, structpb.NewStringValue(id))
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodProducts, &structpb.ListValue{Values: vals}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Purchase buys productID and returns the purchase result.
func (c *PurchasesClient) Purchase(ctx context.Context, productID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodPurchase, wrapperspb.String(productID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Restore re-validates the newest purchase in the store history.
func (c *PurchasesClient) Restore(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodRestore, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status returns the caller's subscription status.
func (c *PurchasesClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, MethodStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

package rpc

import (
	"context"

	"blobgate/pkg/core"

	"google.golang.org/grpc"
)

const (
	RequestServiceName  = "blobgate.v1.RequestService"
	ResponseServiceName = "blobgate.v1.ResponseService"

	SendMethod    = "/" + RequestServiceName + "/Send"
	DeliverMethod = "/" + ResponseServiceName + "/Deliver"
)

// RequestServer is implemented by the engine.
type RequestServer interface {
	Send(ctx context.Context, req *core.Request) (*core.Ack, error)
}

// ResponseServer is implemented by the client's reply listener.
type ResponseServer interface {
	Deliver(ctx context.Context, rep *core.Reply) (*core.Ack, error)
}

var requestServiceDesc = grpc.ServiceDesc{
	ServiceName: RequestServiceName,
	HandlerType: (*RequestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams: []grpc.StreamDesc{},
}

var responseServiceDesc = grpc.ServiceDesc{
	ServiceName: ResponseServiceName,
	HandlerType: (*ResponseServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func RegisterRequestServer(s grpc.ServiceRegistrar, srv RequestServer) {
	s.RegisterService(&requestServiceDesc, srv)
}

func RegisterResponseServer(s grpc.ServiceRegistrar, srv ResponseServer) {
	s.RegisterService(&responseServiceDesc, srv)
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(core.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RequestServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RequestServer).Send(ctx, req.(*core.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(core.Reply)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResponseServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeliverMethod}
	handler := func(ctx context.Context, rep any) (any, error) {
		return srv.(ResponseServer).Deliver(ctx, rep.(*core.Reply))
	}
	return interceptor(ctx, in, info, handler)
}

// RequestClient sends one-way requests to the engine.
type RequestClient struct {
	cc grpc.ClientConnInterface
}

func NewRequestClient(cc grpc.ClientConnInterface) *RequestClient {
	return &RequestClient{cc: cc}
}

func (c *RequestClient) Send(ctx context.Context, req *core.Request, opts ...grpc.CallOption) (*core.Ack, error) {
	out := new(core.Ack)
	if err := c.cc.Invoke(ctx, SendMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ResponseClient delivers replies to a client's listener.
type ResponseClient struct {
	cc grpc.ClientConnInterface
}

func NewResponseClient(cc grpc.ClientConnInterface) *ResponseClient {
	return &ResponseClient{cc: cc}
}

func (c *ResponseClient) Deliver(ctx context.Context, rep *core.Reply, opts ...grpc.CallOption) (*core.Ack, error) {
	out := new(core.Ack)
	if err := c.cc.Invoke(ctx, DeliverMethod, rep, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

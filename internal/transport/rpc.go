package transport

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DeliverMethod is the single unary method of the primary channel. Requests
// and replies are protocol envelopes wrapped in a BytesValue.
const DeliverMethod = "/pcheck.v1.Coordinator/Deliver"

// Acceptor handles decoded primary-channel messages on the coordinator.
type Acceptor interface {
	Accept(ctx context.Context, env protocol.Envelope, msg protocol.Message, from string) (protocol.Ack, error)
}

// deliverServer is the handler type named by the service descriptor.
type deliverServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "pcheck.v1.Coordinator",
	HandlerType: (*deliverServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pcheck/v1/coordinator.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(deliverServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterCoordinator exposes acceptor on s.
func RegisterCoordinator(s grpc.ServiceRegistrar, acceptor Acceptor) {
	s.RegisterService(&coordinatorServiceDesc, &rpcAdapter{
		acceptor: acceptor,
		logger:   slog.With("component", "rpc"),
	})
}

// rpcAdapter decodes requests and encodes acks around an Acceptor.
type rpcAdapter struct {
	acceptor Acceptor
	logger   *slog.Logger
}

func (a *rpcAdapter) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	env, msg, err := protocol.Decode(in.GetValue())
	if err != nil {
		// Fatal for the primary channel: the pending call fails.
		a.logger.Warn("Rejecting malformed request", "error", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	from := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		from = p.Addr.String()
	}

	ack, err := a.acceptor.Accept(ctx, env, msg, from)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	data, err := protocol.Encode(protocol.CoordinatorIdentity, ack)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

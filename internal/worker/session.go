package worker

import (
	"context"

	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// Session is the part of a transport session the worker drives.
// *transport.Session satisfies it.
type Session interface {
	OpenBackChannel(ctx context.Context, onMessage transport.BackChannelHandler) error
	SendAndAwaitAck(ctx context.Context, msg protocol.Message) (protocol.Ack, error)
	SharesHost() bool
	Close() error
}

// Dialer establishes a session for identity.
type Dialer func(ctx context.Context, identity types.WorkerIdentity) (Session, error)

// TransportDialer connects over the real transport to target.
func TransportDialer(target transport.Target) Dialer {
	return func(ctx context.Context, identity types.WorkerIdentity) (Session, error) {
		s, err := transport.Connect(ctx, target, identity)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

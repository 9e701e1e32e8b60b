package transport

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/parallel-checker/internal/protocol"
)

var (
	// ErrNoEndpoint means neither an address nor a service name was configured.
	ErrNoEndpoint = errors.New("transport: no coordinator endpoint configured")
	// ErrRejected means the coordinator refused the handshake.
	ErrRejected = errors.New("transport: handshake rejected")
	// ErrClosed means the session was already closed.
	ErrClosed = errors.New("transport: session closed")
	// ErrNoBackChannel means the coordinator did not advertise a push endpoint.
	ErrNoBackChannel = errors.New("transport: coordinator advertised no back-channel")
)

// ConnectError is returned when no coordinator could be reached before cancellation.
type ConnectError struct {
	Target string // address or service name
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect to %q failed: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError is returned when a primary-channel request got no usable ack.
// Callers treat it as "peer presumed gone"; it is never retried.
type SendError struct {
	Kind protocol.Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send %s failed: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

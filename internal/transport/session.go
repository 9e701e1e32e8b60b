// ============================================================================
// parallel-checker Transport Session
// ============================================================================
//
// Package: internal/transport
// File: session.go
// Purpose: The worker end of a duplex connection to the coordinator.
//
// Channels:
//   ┌──────────┐  Deliver(envelope) -> ack   (gRPC, synchronous)  ┌─────────────┐
//   │  Worker  │ ───────────────────────────────────────────────▶ │ Coordinator │
//   │ Session  │ ◀─────────────────────────────────────────────── │             │
//   └──────────┘  StopCommand frames          (websocket, push)   └─────────────┘
//
// The two channels are independent streams; no ordering holds across them.
//
// Lifetime:
//   Connect() -> OpenBackChannel() -> SendAndAwaitAck()* -> Close()
//   A session is never reused across runs.
//
// ============================================================================

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// BackChannelPath is the websocket path of the coordinator push endpoint.
const BackChannelPath = "/backchannel"

// Target says where to find the coordinator.
type Target struct {
	Addr           string        // literal host:port; wins over discovery
	ServiceName    string        // broadcast discovery name
	BroadcastAddr  string        // discovery destination
	RetryInterval  time.Duration // between connect attempts, default 250ms
	AttemptTimeout time.Duration // per handshake attempt, default 2s
}

func (t Target) withDefaults() Target {
	if t.RetryInterval <= 0 {
		t.RetryInterval = 250 * time.Millisecond
	}
	if t.AttemptTimeout <= 0 {
		t.AttemptTimeout = 2 * time.Second
	}
	return t
}

// BackChannelHandler is invoked once per message pushed by the coordinator.
type BackChannelHandler func(env protocol.Envelope, msg protocol.Message)

// Session is one worker's connection to the coordinator.
type Session struct {
	identity types.WorkerIdentity
	addr     string
	conn     *grpc.ClientConn
	logger   *slog.Logger

	sendMu sync.Mutex // one outstanding request at a time

	mu          sync.Mutex
	localAddr   net.Addr
	remoteAddr  net.Addr
	backChannel string
	ws          *websocket.Conn

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Connect resolves the coordinator, dials it and performs the handshake,
// retrying until ctx is cancelled.
func Connect(ctx context.Context, target Target, identity types.WorkerIdentity) (*Session, error) {
	target = target.withDefaults()

	addr := target.Addr
	if addr == "" {
		if target.ServiceName == "" {
			return nil, &ConnectError{Err: ErrNoEndpoint}
		}
		found, err := Discover(ctx, DiscoveryConfig{
			Service:       target.ServiceName,
			Worker:        identity.Name,
			BroadcastAddr: target.BroadcastAddr,
			Interval:      target.RetryInterval,
		})
		if err != nil {
			return nil, &ConnectError{Target: target.ServiceName, Err: err}
		}
		addr = found
	}

	s := &Session{
		identity: identity,
		addr:     addr,
		logger:   slog.With("component", "session", "worker", identity.Name, "coordinator", addr),
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(s.dial),
	)
	if err != nil {
		return nil, &ConnectError{Target: addr, Err: err}
	}
	s.conn = conn

	for {
		ack, err := s.handshake(ctx, target.AttemptTimeout)
		if err == nil {
			if !ack.Accepted {
				s.conn.Close()
				return nil, &ConnectError{Target: addr, Err: fmt.Errorf("%w: %s", ErrRejected, ack.Reason)}
			}
			s.mu.Lock()
			s.backChannel = ack.BackChannel
			s.mu.Unlock()
			s.logger.Info("Connected to coordinator")
			return s, nil
		}

		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) {
			s.conn.Close()
			return nil, &ConnectError{Target: addr, Err: err}
		}
		s.logger.Debug("Coordinator not reachable yet", "error", err)

		select {
		case <-ctx.Done():
			s.conn.Close()
			return nil, &ConnectError{Target: addr, Err: ctx.Err()}
		case <-time.After(target.RetryInterval):
		}
	}
}

func (s *Session) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.localAddr = conn.LocalAddr()
	s.remoteAddr = conn.RemoteAddr()
	s.mu.Unlock()
	return conn, nil
}

func (s *Session) handshake(ctx context.Context, timeout time.Duration) (protocol.Ack, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.SendAndAwaitAck(attemptCtx, protocol.Handshake{})
}

// Identity is the worker identity this session speaks for.
func (s *Session) Identity() types.WorkerIdentity {
	return s.identity
}

// SendAndAwaitAck sends msg on the primary channel and waits for its ack.
// Any failure is a *SendError; the caller must treat the peer as gone.
func (s *Session) SendAndAwaitAck(ctx context.Context, msg protocol.Message) (protocol.Ack, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.closed.Load() {
		return protocol.Ack{}, &SendError{Kind: msg.Kind(), Err: ErrClosed}
	}

	data, err := protocol.Encode(s.identity, msg)
	if err != nil {
		return protocol.Ack{}, &SendError{Kind: msg.Kind(), Err: err}
	}

	out := new(wrapperspb.BytesValue)
	if err := s.conn.Invoke(ctx, DeliverMethod, wrapperspb.Bytes(data), out); err != nil {
		return protocol.Ack{}, &SendError{Kind: msg.Kind(), Err: err}
	}

	_, reply, err := protocol.Decode(out.GetValue())
	if err != nil {
		return protocol.Ack{}, &SendError{Kind: msg.Kind(), Err: err}
	}
	ack, ok := reply.(protocol.Ack)
	if !ok {
		return protocol.Ack{}, &SendError{Kind: msg.Kind(), Err: fmt.Errorf("unexpected reply kind %s", reply.Kind())}
	}
	return ack, nil
}

// OpenBackChannel dials the coordinator's push endpoint and dispatches every
// received message to onMessage from a dedicated goroutine that runs until
// the session closes.
func (s *Session) OpenBackChannel(ctx context.Context, onMessage BackChannelHandler) error {
	s.mu.Lock()
	advertised := s.backChannel
	var remoteHost string
	if tcp, ok := s.remoteAddr.(*net.TCPAddr); ok {
		remoteHost = tcp.IP.String()
	}
	s.mu.Unlock()

	if advertised == "" {
		return ErrNoBackChannel
	}
	hostPort, err := resolveAdvertised(advertised, remoteHost)
	if err != nil {
		return fmt.Errorf("invalid back-channel address: %w", err)
	}

	u := url.URL{
		Scheme:   "ws",
		Host:     hostPort,
		Path:     BackChannelPath,
		RawQuery: url.Values{"worker": {s.identity.Name}}.Encode(),
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open back-channel: %w", err)
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	s.ws = ws
	s.wg.Add(1)
	s.mu.Unlock()

	go s.listen(ws, onMessage)
	s.logger.Debug("Back-channel open", "url", u.String())
	return nil
}

func (s *Session) listen(ws *websocket.Conn, onMessage BackChannelHandler) {
	defer s.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.logger.Warn("Back-channel closed by peer", "error", err)
			}
			return
		}
		env, msg, err := protocol.Decode(data)
		if err != nil {
			// Best-effort liveness path: drop and keep listening.
			s.logger.Warn("Dropping malformed back-channel message", "error", err)
			continue
		}
		onMessage(env, msg)
	}
}

// SharesHost reports whether both ends of the primary connection use the
// same IP, in which case trace files can be referenced instead of copied.
func (s *Session) SharesHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	local, ok1 := s.localAddr.(*net.TCPAddr)
	remote, ok2 := s.remoteAddr.(*net.TCPAddr)
	if !ok1 || !ok2 {
		return false
	}
	return local.IP.Equal(remote.IP)
}

// Close releases the session. It is idempotent and safe while a send is in
// flight elsewhere: that send fails with a SendError.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		ws := s.ws
		s.mu.Unlock()

		if ws != nil {
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker done"), deadline)
			ws.Close()
		}
		s.wg.Wait()

		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}
		s.logger.Debug("Session closed")
	})
	return s.closeErr
}

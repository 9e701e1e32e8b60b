// ============================================================================
// Parallel Checker Coordinator Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Accepts workers, tracks their liveness and progress, broadcasts
//           stop-on-first-bug, merges reports and stores traces
//
// Endpoints:
//   ┌──────────────────────────────────────────────────────────┐
//   │ Coordinator                                              │
//   │   gRPC  ListenAddr    /pcheck.v1.Coordinator/Deliver     │ ◄── workers (request/ack)
//   │   HTTP  HTTPAddr      /backchannel?worker=<name>         │ ──► workers (stop push)
//   │                       /metrics                           │
//   │   UDP   DiscoveryAddr broadcast responder (optional)     │
//   └──────────────────────────────────────────────────────────┘
//
// Worker registry:
//   Active ──report──► Reported
//     │
//     └──no heartbeat for LivenessTimeout──► Dead
//
//   Messages from unknown, dead or already-reported workers are rejected with
//   Ack{Accepted:false}; a worker treats a rejected heartbeat as coordinator
//   loss and winds down.
//
// Stop-on-first-bug (Config.StopOnFirstBug):
//   The first BugFound pushes exactly one StopCommand to every other attached
//   Active worker. Workers attaching later get theirs on attach. The reporting
//   worker is never sent one. With the mode off, bugs are only recorded.
//
// Completion:
//   Done() closes once every known worker is Reported or Dead and, when set,
//   ExpectedWorkers handshakes were accepted. Traces follow the report, so a
//   Reported worker counts only after its back-channel detached (its session
//   closed) or LivenessTimeout passed since the report.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/artifacts"
	"github.com/ChuLiYu/parallel-checker/internal/journal"
	"github.com/ChuLiYu/parallel-checker/internal/metrics"
	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"google.golang.org/grpc"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("server: already started")
	// ErrNotStarted is returned when an operation needs running listeners.
	ErrNotStarted = errors.New("server: not started")
)

// Rejection reasons carried in Ack.Reason.
const (
	ReasonDuplicate   = "duplicate worker identity"
	ReasonUnknown     = "unknown worker"
	ReasonDead        = "worker declared dead"
	ReasonReported    = "report already received"
	ReasonUnsupported = "unsupported message"
	ReasonMismatch    = "ordinal does not match handshake"
)

// Option customizes a Server.
type Option func(*Server)

// WithMetrics shares a collector, e.g. one registered on a caller's registry.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithLogger sets the logger; the default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server is the coordinator. It implements transport.Acceptor.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	store   *artifacts.Store
	journal *journal.Journal

	mu            sync.RWMutex
	workers       map[string]*workerEntry
	aggregate     types.TestReport
	stopBroadcast bool
	firstBugBy    string
	startedAt     time.Time
	finishedAt    time.Time
	completed     bool
	done          chan struct{}

	lifeMu     sync.Mutex
	started    bool
	grpcServer *grpc.Server
	httpServer *http.Server
	rpcLis     net.Listener
	httpLis    net.Listener
	responder  *transport.Responder
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdown   sync.Once
}

// New creates a coordinator. It opens the artifact store and, when
// configured, the journal; listeners are bound by Start.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:       cfg,
		workers:   make(map[string]*workerEntry),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "coordinator")
	if s.metrics == nil {
		s.metrics = metrics.NewCollector(nil)
	}

	store, err := artifacts.NewStore(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	s.store = store

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, cfg.JournalSync)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = j
	}
	return s, nil
}

// Start binds every listener and launches the serving goroutines and the
// liveness sweeper. Cancelling ctx stops the sweeper only; use Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	rpcLis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	httpLis, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		rpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	if s.cfg.ServiceName != "" {
		responder, err := transport.ListenDiscovery(s.cfg.DiscoveryAddr, s.cfg.ServiceName, rpcLis.Addr().String())
		if err != nil {
			rpcLis.Close()
			httpLis.Close()
			return err
		}
		s.responder = responder
	}
	s.rpcLis = rpcLis
	s.httpLis = httpLis

	s.grpcServer = grpc.NewServer()
	transport.RegisterCoordinator(s.grpcServer, s)

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(rpcLis); err != nil {
			s.logger.Error("Primary channel stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Back-channel server stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(sweepCtx)
	}()

	s.started = true
	s.logger.Info("Coordinator listening",
		"rpc", rpcLis.Addr().String(),
		"http", httpLis.Addr().String(),
		"service", s.cfg.ServiceName,
		"expected_workers", s.cfg.ExpectedWorkers)
	return nil
}

// Handler serves the back-channel endpoint and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.BackChannelPath, s.handleBackChannel)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// RPCAddr is the bound primary-channel address.
func (s *Server) RPCAddr() string {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.rpcLis == nil {
		return ""
	}
	return s.rpcLis.Addr().String()
}

// HTTPAddr is the bound back-channel/metrics address.
func (s *Server) HTTPAddr() string {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.httpLis == nil {
		return ""
	}
	return s.httpLis.Addr().String()
}

// DiscoveryAddr is the bound UDP discovery address, or "" without discovery.
func (s *Server) DiscoveryAddr() string {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.responder == nil {
		return ""
	}
	return s.responder.Addr().String()
}

// advertisedBackChannel is the back-channel address sent in handshake acks.
func (s *Server) advertisedBackChannel() string {
	if s.cfg.AdvertiseHTTP != "" {
		return s.cfg.AdvertiseHTTP
	}
	return s.HTTPAddr()
}

// Done closes when the run is complete.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Summary returns a snapshot of the run.
func (s *Server) Summary() types.RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaryLocked()
}

// Accept handles one primary-channel message.
func (s *Server) Accept(_ context.Context, env protocol.Envelope, msg protocol.Message, from string) (protocol.Ack, error) {
	id := env.Identity()
	name := id.Name

	if _, ok := msg.(protocol.Handshake); ok {
		return s.handleHandshake(id, from), nil
	}

	switch m := msg.(type) {
	case protocol.ProgressHeartbeat:
		return s.withActive(id, func(e *workerEntry) {
			e.progress = m.Progress
			s.metrics.RecordHeartbeat(name, m.Progress)
		}), nil

	case protocol.BugFound:
		return s.handleBugFound(id), nil

	case protocol.ReportSubmission:
		return s.handleReport(id, m.Report), nil

	case protocol.TraceTransfer:
		return s.handleTrace(id, m), nil

	default:
		s.logger.Warn("Unexpected message from worker", "worker", name, "kind", msg.Kind())
		return reject(ReasonUnsupported), nil
	}
}

func reject(reason string) protocol.Ack {
	return protocol.Ack{Accepted: false, Reason: reason}
}

func (s *Server) handleHandshake(id types.WorkerIdentity, from string) protocol.Ack {
	s.mu.Lock()
	if _, exists := s.workers[id.Name]; exists {
		s.mu.Unlock()
		s.metrics.RecordRejected()
		s.record(journal.EventReject, id.Name, ReasonDuplicate)
		s.logger.Warn("Rejecting duplicate worker", "worker", id.Name, "from", from)
		return reject(ReasonDuplicate)
	}
	now := time.Now()
	s.workers[id.Name] = &workerEntry{
		identity:      id,
		addr:          from,
		status:        types.WorkerActive,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	count := len(s.workers)
	s.mu.Unlock()

	s.metrics.RecordConnected()
	s.record(journal.EventConnect, id.Name, from)
	s.logger.Info("Worker connected", "worker", id.Name, "from", from, "workers", count)

	return protocol.Ack{Accepted: true, BackChannel: s.advertisedBackChannel()}
}

// withActive runs fn on an Active worker under the registry lock, refreshing
// its liveness, or returns the matching rejection. The sender's ordinal must
// match the one registered at handshake.
func (s *Server) withActive(id types.WorkerIdentity, fn func(e *workerEntry)) protocol.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.workers[id.Name]
	if !ok {
		return reject(ReasonUnknown)
	}
	if e.identity.Ordinal != id.Ordinal {
		s.logger.Warn("Rejecting message with mismatched ordinal",
			"worker", id.Name, "registered", e.identity.Ordinal, "sent", id.Ordinal)
		return reject(ReasonMismatch)
	}
	switch e.status {
	case types.WorkerDead:
		return reject(ReasonDead)
	case types.WorkerReported:
		return reject(ReasonReported)
	}
	e.lastHeartbeat = time.Now()
	fn(e)
	return protocol.Ack{Accepted: true}
}

func (s *Server) handleBugFound(id types.WorkerIdentity) protocol.Ack {
	name := id.Name
	var (
		first   bool
		targets []*transport.PushConn
	)
	ack := s.withActive(id, func(e *workerEntry) {
		e.foundBug = true
		if s.firstBugBy != "" {
			return
		}
		first = true
		s.firstBugBy = name
		if s.cfg.StopOnFirstBug {
			s.stopBroadcast = true
			targets = s.stopTargetsLocked()
		}
	})
	if !ack.Accepted {
		return ack
	}

	s.metrics.RecordBug()
	s.record(journal.EventBug, name, "")
	s.logger.Info("Worker found a bug", "worker", name, "first", first)

	for _, t := range targets {
		s.pushStop(t)
	}
	return ack
}

func (s *Server) handleReport(id types.WorkerIdentity, report types.TestReport) protocol.Ack {
	name := id.Name
	var completed bool
	ack := s.withActive(id, func(e *workerEntry) {
		r := report.Clone()
		e.report = &r
		e.status = types.WorkerReported
		e.reportedAt = time.Now()
		e.progress = 1
		s.aggregate.Merge(r)
		completed = s.checkCompletionLocked()
	})
	if !ack.Accepted {
		return ack
	}

	s.metrics.RecordReport(name)
	s.record(journal.EventReport, name, fmt.Sprintf("bugs=%d schedules=%d",
		report.NumOfFoundBugs, report.NumOfExploredSchedules))
	s.logger.Info("Received test report",
		"worker", name,
		"strategy", report.Strategy,
		"bugs", report.NumOfFoundBugs,
		"schedules", report.NumOfExploredSchedules)
	if completed {
		s.onComplete()
	}
	return ack
}

// handleTrace persists inline contents, or records the file name as a
// reference on the shared host. Traces follow the report, so a Reported
// worker may still send them.
func (s *Server) handleTrace(id types.WorkerIdentity, tr protocol.TraceTransfer) protocol.Ack {
	name := id.Name
	s.mu.RLock()
	e, ok := s.workers[name]
	var (
		status  types.WorkerStatus
		ordinal uint32
	)
	if ok {
		status = e.status
		ordinal = e.identity.Ordinal
	}
	s.mu.RUnlock()

	switch {
	case !ok:
		return reject(ReasonUnknown)
	case ordinal != id.Ordinal:
		s.logger.Warn("Rejecting trace with mismatched ordinal",
			"worker", name, "registered", ordinal, "sent", id.Ordinal)
		return reject(ReasonMismatch)
	case status == types.WorkerDead:
		return reject(ReasonDead)
	}

	rec := types.TraceRecord{
		FileName: tr.FileName,
		Inline:   tr.Inline,
		Path:     tr.FileName,
		Received: time.Now().UnixMilli(),
	}
	if tr.Inline {
		path, err := s.store.WriteTrace(name, tr.FileName, tr.Contents)
		if err != nil {
			s.logger.Error("Failed to store trace", "worker", name, "file", tr.FileName, "error", err)
			return reject(fmt.Sprintf("store trace: %v", err))
		}
		rec.Path = path
		rec.Size = len(tr.Contents)
	}

	s.mu.Lock()
	e.traces = append(e.traces, rec)
	s.mu.Unlock()

	s.metrics.RecordTrace(tr.Inline)
	s.record(journal.EventTrace, name, rec.Path)
	s.logger.Info("Received trace", "worker", name, "file", tr.FileName, "inline", tr.Inline, "path", rec.Path)
	return protocol.Ack{Accepted: true}
}

func (s *Server) onComplete() {
	s.record(journal.EventComplete, "", "")
	summary := s.Summary()
	s.logger.Info("All workers finished",
		"workers", len(summary.Workers),
		"bugs", summary.Aggregate.NumOfFoundBugs,
		"schedules", summary.Aggregate.NumOfExploredSchedules)
}

// record appends to the journal when one is configured.
func (s *Server) record(t journal.EventType, worker, detail string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(t, worker, detail); err != nil {
		s.logger.Error("Failed to append journal event", "type", t, "error", err)
	}
}

// Shutdown stops every listener, drops back-channels, persists
// summary.json and closes the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	s.shutdown.Do(func() {
		s.lifeMu.Lock()
		started := s.started
		s.lifeMu.Unlock()

		if started {
			s.cancel()

			stopped := make(chan struct{})
			go func() {
				s.grpcServer.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				s.grpcServer.Stop()
			}

			if err := s.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
			if s.responder != nil {
				if err := s.responder.Close(); err != nil {
					errs = append(errs, fmt.Errorf("discovery shutdown: %w", err))
				}
			}
		}

		s.closeBackChannels()
		s.wg.Wait()

		if err := s.store.WriteSummary(s.Summary()); err != nil {
			errs = append(errs, err)
		}
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.logger.Info("Coordinator stopped", "summary", s.store.SummaryPath())
	})
	return errors.Join(errs...)
}

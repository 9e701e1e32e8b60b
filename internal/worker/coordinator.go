// ============================================================================
// Parallel Checker Worker - Coordinator Client State Machine
// ============================================================================
//
// Package: internal/worker
// File: coordinator.go
// Function: Drives one exploration run and its conversation with the coordinator
//
// Lifecycle:
//   Idle ──► Connecting ──► Running ──► Draining ──► Reporting ──► Terminated
//     │                        ▲
//     └────── local run ───────┘
//
//   Connecting   handshake on the primary channel, then open the back-channel.
//                A failure here is not fatal: the run continues locally and
//                nothing is reported.
//   Running      the engine explores; a heartbeat goroutine sends progress
//                every HeartbeatInterval. A failed or rejected heartbeat means
//                the coordinator is gone, so the engine is stopped and no
//                further heartbeats are sent.
//   Draining     heartbeats stop; shutdown waits (bounded) for the heartbeat
//                that may still be in flight.
//   Reporting    BugFound (if any), exactly one ReportSubmission, then trace
//                files. Traces are inlined only when the coordinator runs on
//                another host.
//   Terminated   the session is closed and an exit status is chosen.
//
// Exit status precedence:
//   InternalError > BugFound (distributed only) > Success
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/engine"
	"github.com/ChuLiYu/parallel-checker/internal/portfolio"
	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// DefaultBaseName prefixes every worker name.
const DefaultBaseName = "PCheckerProcess"

var (
	// ErrAlreadyRan is returned when Run is called on a finished coordinator.
	ErrAlreadyRan = errors.New("worker: run already started")

	// ErrHeartbeatRejected marks a heartbeat the coordinator did not accept.
	ErrHeartbeatRejected = errors.New("worker: heartbeat rejected by coordinator")
)

// Config tunes one worker run.
type Config struct {
	BaseName    string
	Ordinal     uint32
	Exploration types.ExplorationConfig // before diversification

	BroadcastAddr     string        // discovery broadcast address, when no literal address is set
	ConnectTimeout    time.Duration // bound on Connecting; 0 waits until ctx ends
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration
	SendTimeout       time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaseName == "" {
		c.BaseName = DefaultBaseName
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 100 * time.Millisecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
}

// Target is the transport target described by the exploration config.
func (c Config) Target() transport.Target {
	return transport.Target{
		Addr:          c.Exploration.CoordinatorAddr,
		ServiceName:   c.Exploration.ServiceName,
		BroadcastAddr: c.BroadcastAddr,
	}
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithDialer replaces the transport used to reach the coordinator.
func WithDialer(d Dialer) Option {
	return func(c *Coordinator) { c.dial = d }
}

// WithLogger sets the logger; the default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// Coordinator runs one worker through its lifecycle. It is single-use.
type Coordinator struct {
	cfg         Config
	identity    types.WorkerIdentity
	exploration types.ExplorationConfig
	engine      engine.Engine
	dial        Dialer
	logger      *slog.Logger

	state   atomic.Int32
	started atomic.Bool

	session       Session
	stopRequested atomic.Bool
	lost          atomic.Bool
	heartbeats    atomic.Int64

	stopHeartbeat chan struct{}
	stopOnce      sync.Once

	gateMu   sync.Mutex
	draining bool
	gate     *progressGate

	report types.TestReport
}

// New prepares worker cfg.Ordinal. The exploration config is diversified
// for this worker before the engine is built.
func New(cfg Config, factory engine.Factory, opts ...Option) *Coordinator {
	cfg.applyDefaults()

	c := &Coordinator{
		cfg:           cfg,
		identity:      types.NewWorkerIdentity(cfg.BaseName, cfg.Ordinal),
		exploration:   portfolio.Diversify(cfg.Exploration, cfg.Ordinal),
		stopHeartbeat: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		c.dial = TransportDialer(cfg.Target())
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "worker", "worker", c.identity.Name)
	c.engine = factory(c.exploration)
	return c
}

// Identity is this worker's identity.
func (c *Coordinator) Identity() types.WorkerIdentity {
	return c.identity
}

// Exploration is the diversified config the engine runs with.
func (c *Coordinator) Exploration() types.ExplorationConfig {
	return c.exploration
}

// State is the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Report is the final engine report; valid once Run has returned.
func (c *Coordinator) Report() types.TestReport {
	return c.report.Clone()
}

// Heartbeats counts heartbeat send attempts, failed ones included.
func (c *Coordinator) Heartbeats() int64 {
	return c.heartbeats.Load()
}

// CoordinatorLost reports whether a heartbeat failed during the run.
func (c *Coordinator) CoordinatorLost() bool {
	return c.lost.Load()
}

// StopRequested reports whether the coordinator pushed a stop command.
func (c *Coordinator) StopRequested() bool {
	return c.stopRequested.Load()
}

// Stop asks the engine to finish early. The run still drains and reports.
func (c *Coordinator) Stop() {
	c.engine.Stop()
}

func (c *Coordinator) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.logger.Debug("State transition", "from", prev.String(), "to", s.String())
}

// Run executes the whole lifecycle and returns the exit status. Cancelling
// ctx stops the engine; the run then drains and reports as usual.
func (c *Coordinator) Run(ctx context.Context) (types.ExitStatus, error) {
	if !c.started.CompareAndSwap(false, true) {
		return types.StatusInternalError, ErrAlreadyRan
	}

	c.logger.Info("Starting exploration",
		"strategy", c.exploration.Strategy,
		"seed", seedAttr(c.exploration.Seed),
		"distributed", c.exploration.ParticipatesInProtocol())

	if c.exploration.ParticipatesInProtocol() {
		c.setState(StateConnecting)
		c.session = c.connect(ctx)
	}

	c.setState(StateRunning)
	if c.session != nil {
		go c.heartbeatLoop()
	}

	stopOnCancel := context.AfterFunc(ctx, c.engine.Stop)
	c.engine.Run()
	stopOnCancel()

	c.setState(StateDraining)
	c.drain()

	c.report = c.engine.CloneReport()
	c.setState(StateReporting)
	c.submit(c.report)

	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.logger.Debug("Session close failed", "error", err)
		}
	}
	c.setState(StateTerminated)

	status := c.exitStatus(c.report)
	c.logger.Info("Exploration finished",
		"status", status.String(),
		"bugs", c.report.NumOfFoundBugs,
		"schedules", c.report.NumOfExploredSchedules)
	return status, nil
}

func (c *Coordinator) connect(ctx context.Context) Session {
	connectCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	sess, err := c.dial(connectCtx, c.identity)
	if err != nil {
		c.logger.Warn("Could not reach coordinator, running locally without reporting", "error", err)
		return nil
	}
	if err := sess.OpenBackChannel(connectCtx, c.onBackChannel); err != nil {
		c.logger.Warn("Could not open back-channel, running locally without reporting", "error", err)
		_ = sess.Close()
		return nil
	}
	c.logger.Info("Connected to coordinator")
	return sess
}

func (c *Coordinator) onBackChannel(_ protocol.Envelope, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.StopCommand:
		if !m.Stop {
			return
		}
		if c.stopRequested.CompareAndSwap(false, true) {
			c.logger.Info("Coordinator requested stop")
		}
		c.engine.Stop()
	default:
		c.logger.Debug("Ignoring back-channel message", "kind", msg.Kind())
	}
}

// heartbeatLoop exits on drain or after the first failed heartbeat.
func (c *Coordinator) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
		}

		gate := c.beginHeartbeat()
		if gate == nil {
			return
		}
		err := c.sendHeartbeat()
		gate.release()

		if err != nil {
			c.lost.Store(true)
			c.logger.Warn("Heartbeat failed, stopping exploration", "error", err)
			c.engine.Stop()
			return
		}
	}
}

// beginHeartbeat installs a fresh gate, or returns nil once draining started.
func (c *Coordinator) beginHeartbeat() *progressGate {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()

	if c.draining {
		return nil
	}
	c.gate = newProgressGate()
	return c.gate
}

func (c *Coordinator) sendHeartbeat() error {
	c.heartbeats.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()

	ack, err := c.session.SendAndAwaitAck(ctx, protocol.ProgressHeartbeat{Progress: c.engine.Progress()})
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return ErrHeartbeatRejected
	}
	return nil
}

func (c *Coordinator) drain() {
	c.gateMu.Lock()
	c.draining = true
	gate := c.gate
	c.gateMu.Unlock()

	c.stopOnce.Do(func() { close(c.stopHeartbeat) })

	if gate == nil {
		return
	}
	if !gate.wait(c.cfg.DrainTimeout) {
		c.logger.Warn("Heartbeat still in flight after drain timeout, continuing shutdown",
			"timeout", c.cfg.DrainTimeout)
	}
}

func (c *Coordinator) submit(report types.TestReport) {
	bugs := report.NumOfFoundBugs > 0

	if c.session != nil {
		if bugs {
			c.send(protocol.BugFound{})
		}
		c.send(protocol.ReportSubmission{Report: report.Clone()})
	} else if bugs && !c.exploration.FullExploration {
		c.logger.Info("Found a bug", "bugs", report.NumOfFoundBugs)
	}

	if !((bugs && !c.exploration.FullExploration) || c.exploration.EmitFullTrace) {
		return
	}

	dir := c.exploration.OutputDir
	if dir == "" {
		dir = "."
	}
	paths, err := c.engine.EmitTraces(dir, c.exploration.TraceBaseName(c.identity.Ordinal))
	if err != nil {
		c.logger.Error("Failed to emit traces", "error", err)
	}
	if c.session != nil {
		c.sendTraces(paths)
	}
}

func (c *Coordinator) sendTraces(paths []string) {
	inline := !c.session.SharesHost()

	for _, path := range paths {
		msg := protocol.TraceTransfer{FileName: path}
		if inline {
			data, err := os.ReadFile(path)
			if err != nil {
				c.logger.Error("Failed to read trace file", "path", path, "error", err)
				continue
			}
			msg.Inline = true
			msg.Contents = data
		}
		c.send(msg)
	}
}

// send delivers msg best-effort; failures are logged and never abort reporting.
func (c *Coordinator) send(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SendTimeout)
	defer cancel()

	ack, err := c.session.SendAndAwaitAck(ctx, msg)
	switch {
	case err != nil:
		c.logger.Warn("Send to coordinator failed", "kind", msg.Kind(), "error", err)
	case !ack.Accepted:
		c.logger.Warn("Coordinator rejected message", "kind", msg.Kind(), "reason", ack.Reason)
	}
}

func (c *Coordinator) exitStatus(report types.TestReport) types.ExitStatus {
	switch {
	case len(report.InternalErrors) > 0:
		return types.StatusInternalError
	case report.NumOfFoundBugs > 0 && c.exploration.ParticipatesInProtocol():
		return types.StatusBugFound
	default:
		return types.StatusSuccess
	}
}

func seedAttr(seed *uint64) any {
	if seed == nil {
		return "random"
	}
	return *seed
}

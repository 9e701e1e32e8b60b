package server

import (
	"net/http"

	"github.com/ChuLiYu/parallel-checker/internal/journal"
	"github.com/ChuLiYu/parallel-checker/internal/protocol"
	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// handleBackChannel attaches an Active worker's push connection and holds
// the request open until the worker disconnects.
func (s *Server) handleBackChannel(w http.ResponseWriter, r *http.Request) {
	name := transport.WorkerFromRequest(r)

	s.mu.RLock()
	e, ok := s.workers[name]
	active := ok && e.status == types.WorkerActive
	s.mu.RUnlock()
	if !active {
		s.logger.Warn("Refusing back-channel for unknown worker", "worker", name, "from", r.RemoteAddr)
		http.Error(w, ReasonUnknown, http.StatusForbidden)
		return
	}

	push, err := transport.UpgradeBackChannel(w, r)
	if err != nil {
		s.logger.Warn("Back-channel upgrade failed", "worker", name, "error", err)
		return
	}

	// A worker attaching after the broadcast still gets its single stop.
	s.mu.Lock()
	if e.status != types.WorkerActive {
		s.mu.Unlock()
		push.Close()
		return
	}
	prev := e.push
	e.push = push
	lateStop := s.cfg.StopOnFirstBug && s.stopBroadcast && !e.stopSent && name != s.firstBugBy
	if lateStop {
		e.stopSent = true
	}
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	s.logger.Debug("Back-channel attached", "worker", name)
	if lateStop {
		s.pushStop(push)
	}

	push.Wait()

	// A natural detach after the report means the worker is done sending.
	completed := false
	s.mu.Lock()
	if e.push == push {
		e.push = nil
		completed = s.checkCompletionLocked()
	}
	s.mu.Unlock()
	push.Close()
	s.logger.Debug("Back-channel detached", "worker", name)
	if completed {
		s.onComplete()
	}
}

// stopTargetsLocked marks and returns the attached Active workers that still
// need a stop command, excluding the first bug reporter. Caller holds s.mu.
func (s *Server) stopTargetsLocked() []*transport.PushConn {
	if !s.cfg.StopOnFirstBug {
		return nil
	}
	var targets []*transport.PushConn
	for name, e := range s.workers {
		if name == s.firstBugBy || e.stopSent || e.push == nil || e.status != types.WorkerActive {
			continue
		}
		e.stopSent = true
		targets = append(targets, e.push)
	}
	return targets
}

func (s *Server) pushStop(push *transport.PushConn) {
	if err := push.Push(protocol.StopCommand{Stop: true}); err != nil {
		s.logger.Warn("Failed to push stop command", "worker", push.Worker(), "error", err)
		return
	}
	s.metrics.RecordStopCommand()
	s.record(journal.EventStop, push.Worker(), "")
	s.logger.Info("Told worker to stop", "worker", push.Worker())
}

// closeBackChannels drops every attached push connection.
func (s *Server) closeBackChannels() {
	s.mu.Lock()
	var conns []*transport.PushConn
	for _, e := range s.workers {
		if e.push != nil {
			conns = append(conns, e.push)
			e.push = nil
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

package server

import (
	"context"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/journal"
	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep declares Active workers without a heartbeat for LivenessTimeout dead
// and drops their back-channels. Reported workers that keep their back-channel
// open for LivenessTimeout after the report are released the same way.
func (s *Server) sweep(now time.Time) {
	var (
		dead      []string
		lingering []string
		conns     []*transport.PushConn
		completed bool
	)

	s.mu.Lock()
	for name, e := range s.workers {
		switch {
		case e.status == types.WorkerActive && now.Sub(e.lastHeartbeat) > s.cfg.LivenessTimeout:
			e.status = types.WorkerDead
			dead = append(dead, name)
		case e.status == types.WorkerReported && e.push != nil && now.Sub(e.reportedAt) > s.cfg.LivenessTimeout:
			lingering = append(lingering, name)
		default:
			continue
		}
		if e.push != nil {
			conns = append(conns, e.push)
			e.push = nil
		}
	}
	if len(dead) > 0 || len(lingering) > 0 {
		completed = s.checkCompletionLocked()
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	for _, name := range dead {
		s.metrics.RecordDead(name)
		s.record(journal.EventDead, name, "")
		s.logger.Warn("Worker missed heartbeats, declaring dead",
			"worker", name, "timeout", s.cfg.LivenessTimeout)
	}
	for _, name := range lingering {
		s.logger.Warn("Worker kept its back-channel open after reporting, releasing it",
			"worker", name, "timeout", s.cfg.LivenessTimeout)
	}
	if completed {
		s.onComplete()
	}
}

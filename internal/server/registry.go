package server

import (
	"sort"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/transport"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// workerEntry is the coordinator's record of one worker. Guarded by Server.mu.
type workerEntry struct {
	identity      types.WorkerIdentity
	addr          string // primary-channel peer address
	status        types.WorkerStatus
	connectedAt   time.Time
	lastHeartbeat time.Time
	reportedAt    time.Time
	progress      float64
	foundBug      bool
	report        *types.TestReport
	traces        []types.TraceRecord

	push     *transport.PushConn // nil until the back-channel attaches
	stopSent bool
}

func (e *workerEntry) summary() types.WorkerSummary {
	ws := types.WorkerSummary{
		Name:     e.identity.Name,
		Ordinal:  e.identity.Ordinal,
		Status:   e.status,
		Progress: e.progress,
		FoundBug: e.foundBug,
		Traces:   append([]types.TraceRecord(nil), e.traces...),
	}
	if e.report != nil {
		r := e.report.Clone()
		ws.Report = &r
	}
	return ws
}

// summaryLocked builds the run summary. Caller holds s.mu (read or write).
func (s *Server) summaryLocked() types.RunSummary {
	summary := types.RunSummary{
		StartedAt:     s.startedAt.UnixMilli(),
		Completed:     s.completed,
		StopBroadcast: s.stopBroadcast,
		FirstBugBy:    s.firstBugBy,
		Aggregate:     s.aggregate.Clone(),
		Workers:       make([]types.WorkerSummary, 0, len(s.workers)),
	}
	if !s.finishedAt.IsZero() {
		summary.FinishedAt = s.finishedAt.UnixMilli()
	}
	for _, e := range s.workers {
		summary.Workers = append(summary.Workers, e.summary())
	}
	sort.Slice(summary.Workers, func(i, j int) bool {
		a, b := summary.Workers[i], summary.Workers[j]
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.Name < b.Name
	})
	return summary
}

// checkCompletionLocked closes done once every known worker has reported or
// died and, when configured, ExpectedWorkers have connected. A Reported worker
// still holding its back-channel is still sending traces, so it keeps the run
// open until it disconnects. Caller holds s.mu.
func (s *Server) checkCompletionLocked() bool {
	if s.completed || len(s.workers) == 0 {
		return false
	}
	if s.cfg.ExpectedWorkers > 0 && len(s.workers) < s.cfg.ExpectedWorkers {
		return false
	}
	for _, e := range s.workers {
		if e.status == types.WorkerActive || (e.status == types.WorkerReported && e.push != nil) {
			return false
		}
	}
	s.completed = true
	s.finishedAt = time.Now()
	close(s.done)
	return true
}

// ============================================================================
// Parallel Checker Worker Pool - In-process Parallel Workers
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Function: Runs several worker coordinators side by side in one process
//
// Each ordinal gets its own Coordinator, engine, session and goroutine. The
// pool only manages lifecycles; workers never share state with each other.
//
//   ┌──────────────┐
//   │     Pool     │
//   │ ┌──────────┐ │
//   │ │ worker.0 │─┼──► results
//   │ │ worker.1 │─┼──► results
//   │ │ worker.2 │─┼──► results
//   │ └──────────┘ │
//   └──────────────┘
//
// Lifecycle:
//   1. NewPool(cfg, n, factory)
//   2. Start(ctx)        launch n coordinators
//   3. Wait()            collect every Result; combined status by precedence
//   4. Stop()            stop every engine early; runs still report
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/parallel-checker/internal/engine"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

var (
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrPoolNotStarted is returned by Wait before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Result is the outcome of one worker in the pool.
type Result struct {
	Identity types.WorkerIdentity
	Status   types.ExitStatus
	Report   types.TestReport
	Err      error
}

// Pool runs consecutive ordinals starting at cfg.Ordinal.
type Pool struct {
	workers []*Coordinator
	results chan Result
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewPool prepares count coordinators for ordinals cfg.Ordinal..cfg.Ordinal+count-1.
func NewPool(cfg Config, count int, factory engine.Factory, opts ...Option) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{results: make(chan Result, count)}
	for i := 0; i < count; i++ {
		wc := cfg
		wc.Ordinal = cfg.Ordinal + uint32(i)
		p.workers = append(p.workers, New(wc, factory, opts...))
	}
	return p
}

// Workers returns the coordinators in ordinal order.
func (p *Pool) Workers() []*Coordinator {
	return p.workers
}

// Start launches every worker.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Coordinator) {
			defer p.wg.Done()
			status, err := w.Run(ctx)
			p.results <- Result{
				Identity: w.Identity(),
				Status:   status,
				Report:   w.Report(),
				Err:      err,
			}
		}(w)
	}
	p.started = true
	return nil
}

// Wait blocks until every worker terminated. Results are ordered by
// completion; the combined status is the most severe one.
func (p *Pool) Wait() ([]Result, types.ExitStatus, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil, types.StatusInternalError, ErrPoolNotStarted
	}

	p.wg.Wait()
	close(p.results)

	var (
		results []Result
		errs    []error
	)
	combined := types.StatusSuccess
	for r := range p.results {
		results = append(results, r)
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		combined = Combine(combined, r.Status)
	}
	return results, combined, errors.Join(errs...)
}

// Stop asks every engine to finish early.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Combine returns the more severe of two exit statuses:
// InternalError > BugFound > Success.
func Combine(a, b types.ExitStatus) types.ExitStatus {
	rank := func(s types.ExitStatus) int {
		switch s {
		case types.StatusInternalError:
			return 2
		case types.StatusBugFound:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

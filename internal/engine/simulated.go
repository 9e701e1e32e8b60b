package engine

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// SimulatedConfig tunes the simulated engine.
type SimulatedConfig struct {
	Exploration types.ExplorationConfig
	StepDelay   time.Duration // simulated cost of one schedule
	BugRate     float64       // probability that a schedule hits a bug
	MaxSteps    int           // upper bound on steps per schedule
}

// Simulated is a deterministic stand-in for the exploration engine.
// Given the same seed and strategy it explores the same schedules.
type Simulated struct {
	cfg      SimulatedConfig
	rng      *rand.Rand
	stopCh   chan struct{}
	stopOnce sync.Once
	explored atomic.Int64

	mu     sync.Mutex
	report types.TestReport
	trace  []string
	logger *slog.Logger
}

// NewSimulated creates a simulated engine.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Exploration.Schedules <= 0 {
		cfg.Exploration.Schedules = 100
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 50
	}

	var seed int64
	if cfg.Exploration.Seed != nil {
		seed = int64(*cfg.Exploration.Seed)
	} else {
		seed = time.Now().UnixNano()
	}

	report := types.TestReport{Strategy: cfg.Exploration.Strategy}
	if cfg.Exploration.Seed != nil {
		s := *cfg.Exploration.Seed
		report.Seed = &s
	}

	return &Simulated{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		stopCh: make(chan struct{}),
		report: report,
		logger: slog.With("component", "engine", "strategy", cfg.Exploration.Strategy),
	}
}

// SimulatedFactory returns a Factory producing simulated engines with the
// given tuning; the exploration config comes from the caller.
func SimulatedFactory(tuning SimulatedConfig) Factory {
	return func(cfg types.ExplorationConfig) Engine {
		t := tuning
		t.Exploration = cfg
		return NewSimulated(t)
	}
}

// Run explores schedules until the budget is used, a bug stops the run, or Stop is called.
func (e *Simulated) Run() {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			e.report.InternalErrors = append(e.report.InternalErrors, fmt.Sprintf("engine panic: %v", r))
			e.mu.Unlock()
			e.logger.Error("Exploration aborted", "panic", r)
		}
	}()

	for i := 0; i < e.cfg.Exploration.Schedules; i++ {
		select {
		case <-e.stopCh:
			return
		default:
		}

		steps := 1 + e.rng.Intn(e.cfg.MaxSteps)
		bug := e.rng.Float64() < e.cfg.BugRate

		if e.cfg.StepDelay > 0 {
			timer := time.NewTimer(e.cfg.StepDelay)
			select {
			case <-e.stopCh:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		e.mu.Lock()
		e.report.NumOfExploredSchedules++
		e.report.TotalExploredSteps += steps
		if steps > e.report.MaxExploredSteps {
			e.report.MaxExploredSteps = steps
		}
		e.trace = append(e.trace, fmt.Sprintf("schedule %d: %d steps", i, steps))
		if bug {
			msg := fmt.Sprintf("schedule %d: assertion failure after %d steps", i, steps)
			e.report.NumOfFoundBugs++
			e.report.BugReports = append(e.report.BugReports, msg)
			e.trace = append(e.trace, "  "+msg)
		}
		e.mu.Unlock()
		e.explored.Add(1)

		if bug && !e.cfg.Exploration.FullExploration {
			e.logger.Info("Found a bug, stopping exploration", "schedule", i)
			return
		}
	}
}

// Stop makes Run return at the next schedule boundary. Safe to call repeatedly.
func (e *Simulated) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// CloneReport returns a copy of the current report.
func (e *Simulated) CloneReport() types.TestReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.report.Clone()
}

// Progress is the fraction of the schedule budget explored so far.
func (e *Simulated) Progress() float64 {
	return float64(e.explored.Load()) / float64(e.cfg.Exploration.Schedules)
}

// EmitTraces writes <baseName>.txt (the explored trace) and
// <baseName>.schedule (replay parameters) into dir.
func (e *Simulated) EmitTraces(dir, baseName string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}

	e.mu.Lock()
	trace := strings.Join(e.trace, "\n") + "\n"
	replay := fmt.Sprintf("strategy=%s\n", e.report.Strategy)
	if e.report.Seed != nil {
		replay += fmt.Sprintf("seed=%d\n", *e.report.Seed)
	}
	e.mu.Unlock()

	files := []struct {
		name string
		data string
	}{
		{baseName + ".txt", trace},
		{baseName + ".schedule", replay},
	}

	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.data), 0644); err != nil {
			return paths, fmt.Errorf("failed to write trace %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

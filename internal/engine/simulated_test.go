package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(seed uint64, schedules int) types.ExplorationConfig {
	return types.ExplorationConfig{Strategy: "random", Schedules: schedules}.WithSeed(seed)
}

func TestSimulatedExhaustsBudget(t *testing.T) {
	e := NewSimulated(SimulatedConfig{Exploration: seeded(1, 20)})
	e.Run()

	report := e.CloneReport()
	assert.Equal(t, 20, report.NumOfExploredSchedules)
	assert.Equal(t, 0, report.NumOfFoundBugs)
	assert.InDelta(t, 1.0, e.Progress(), 1e-9)
	assert.Equal(t, "random", report.Strategy)
	require.NotNil(t, report.Seed)
	assert.Equal(t, uint64(1), *report.Seed)
}

func TestSimulatedStopsOnFirstBug(t *testing.T) {
	e := NewSimulated(SimulatedConfig{Exploration: seeded(1, 50), BugRate: 1})
	e.Run()

	report := e.CloneReport()
	assert.Equal(t, 1, report.NumOfFoundBugs)
	assert.Equal(t, 1, report.NumOfExploredSchedules)
}

func TestSimulatedFullExplorationKeepsGoing(t *testing.T) {
	cfg := seeded(1, 10)
	cfg.FullExploration = true
	e := NewSimulated(SimulatedConfig{Exploration: cfg, BugRate: 1})
	e.Run()

	assert.Equal(t, 10, e.CloneReport().NumOfFoundBugs)
}

func TestSimulatedIsReplayable(t *testing.T) {
	a := NewSimulated(SimulatedConfig{Exploration: seeded(773, 200), BugRate: 0.05})
	b := NewSimulated(SimulatedConfig{Exploration: seeded(773, 200), BugRate: 0.05})
	a.Run()
	b.Run()

	assert.Equal(t, a.CloneReport(), b.CloneReport())
}

func TestSimulatedStop(t *testing.T) {
	e := NewSimulated(SimulatedConfig{Exploration: seeded(1, 1_000_000), StepDelay: time.Millisecond})

	done := make(chan struct{})
	go func() {
		e.Run()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()
	e.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Less(t, e.Progress(), 1.0)
}

func TestSimulatedEmitTraces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "traces")
	e := NewSimulated(SimulatedConfig{Exploration: seeded(9, 5), BugRate: 1})
	e.Run()

	paths, err := e.EmitTraces(dir, "ClientServer_0")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(dir, "ClientServer_0.txt"), paths[0])

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "assertion failure")

	data, err = os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), "seed=9")
}

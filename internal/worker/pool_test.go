package worker

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/engine"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Exploration: types.ExplorationConfig{
			Strategy:  types.PortfolioStrategy,
			Schedules: 5,
			OutputDir: t.TempDir(),
		},
		HeartbeatInterval: 5 * time.Millisecond,
	}
}

// TestPoolRunsEveryOrdinal tests that the pool runs consecutive ordinals with diversified strategies
func TestPoolRunsEveryOrdinal(t *testing.T) {
	seed := uint64(100)
	cfg := localConfig(t)
	cfg.Exploration.Seed = &seed

	pool := NewPool(cfg, 3, engine.SimulatedFactory(engine.SimulatedConfig{}))
	require.NoError(t, pool.Start(context.Background()))

	results, status, err := pool.Wait()
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, status)
	require.Len(t, results, 3)

	var names []string
	for _, r := range results {
		names = append(names, r.Identity.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"PCheckerProcess.0", "PCheckerProcess.1", "PCheckerProcess.2"}, names)

	strategies := map[string]bool{}
	for _, w := range pool.Workers() {
		strategies[w.Exploration().Strategy] = true
	}
	assert.Len(t, strategies, 3)
}

func TestPoolStartTwice(t *testing.T) {
	pool := NewPool(localConfig(t), 1, newFakeEngine(types.TestReport{}).factory())
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)
	_, _, err := pool.Wait()
	assert.NoError(t, err)
}

func TestPoolWaitBeforeStart(t *testing.T) {
	pool := NewPool(localConfig(t), 2, newFakeEngine(types.TestReport{}).factory())
	_, status, err := pool.Wait()
	assert.ErrorIs(t, err, ErrPoolNotStarted)
	assert.Equal(t, types.StatusInternalError, status)
}

// TestPoolStop tests that Stop ends blocked engines
func TestPoolStop(t *testing.T) {
	engines := []*fakeEngine{}
	factory := func(types.ExplorationConfig) engine.Engine {
		e := newFakeEngine(types.TestReport{})
		e.block = true
		engines = append(engines, e)
		return e
	}

	pool := NewPool(localConfig(t), 2, factory)
	require.NoError(t, pool.Start(context.Background()))
	pool.Stop()

	done := make(chan struct{})
	go func() {
		_, _, _ = pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	for _, e := range engines {
		assert.True(t, e.stopped.Load())
	}
}

func TestCombine(t *testing.T) {
	assert.Equal(t, types.StatusSuccess, Combine(types.StatusSuccess, types.StatusSuccess))
	assert.Equal(t, types.StatusBugFound, Combine(types.StatusSuccess, types.StatusBugFound))
	assert.Equal(t, types.StatusInternalError, Combine(types.StatusInternalError, types.StatusBugFound))
	assert.Equal(t, types.StatusInternalError, Combine(types.StatusBugFound, types.StatusInternalError))
}

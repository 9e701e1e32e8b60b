package portfolio

import (
	"math"
	"testing"

	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSeedScenario(t *testing.T) {
	// base seed 100, three workers
	want := []uint64{100, 773, 1446}
	for i, seed := range want {
		assert.Equal(t, seed, DeriveSeed(100, uint32(i)))
	}
}

func TestDeriveSeedIsDistinctPerOrdinal(t *testing.T) {
	seen := make(map[uint64]uint32)
	for ordinal := uint32(0); ordinal < 1000; ordinal++ {
		seed := DeriveSeed(42, ordinal)
		prev, dup := seen[seed]
		require.False(t, dup, "ordinals %d and %d share seed %d", prev, ordinal, seed)
		seen[seed] = ordinal
	}
}

func TestDiversifyIsDeterministic(t *testing.T) {
	base := types.ExplorationConfig{Strategy: types.PortfolioStrategy}.WithSeed(100)

	a := Diversify(base, 5)
	b := Diversify(base, 5)

	require.NotNil(t, a.Seed)
	require.NotNil(t, b.Seed)
	assert.Equal(t, *a.Seed, *b.Seed)
	assert.Equal(t, a.Strategy, b.Strategy)
	assert.Equal(t, uint64(100+5*673), *a.Seed)
}

func TestDiversifyDoesNotMutateBase(t *testing.T) {
	base := types.ExplorationConfig{Strategy: types.PortfolioStrategy}.WithSeed(100)

	_ = Diversify(base, 3)

	assert.Equal(t, types.PortfolioStrategy, base.Strategy)
	assert.Equal(t, uint64(100), *base.Seed)
}

func TestDiversifyWithoutSeed(t *testing.T) {
	cfg := Diversify(types.ExplorationConfig{Strategy: "pct"}, 4)
	assert.Nil(t, cfg.Seed)
	assert.Equal(t, "pct", cfg.Strategy, "explicit strategies are kept")
}

func TestPortfolioRotation(t *testing.T) {
	base := types.ExplorationConfig{Strategy: types.PortfolioStrategy}
	n := uint32(len(Rotation()))

	for i := uint32(0); i+1 < n; i++ {
		assert.NotEqual(t, Diversify(base, i).Strategy, Diversify(base, i+1).Strategy,
			"consecutive ordinals should get distinct strategies")
	}
	assert.Equal(t, Diversify(base, 0).Strategy, Diversify(base, n).Strategy, "rotation wraps")
	assert.Equal(t, "pct", Diversify(base, n+1).Strategy)
}

func TestStrategyForLargeOrdinals(t *testing.T) {
	n := uint32(len(Rotation()))

	for _, ordinal := range []uint32{1 << 31, math.MaxUint32, math.MaxUint32 - 1} {
		assert.Equal(t, Rotation()[ordinal%n], StrategyFor(ordinal), "ordinal %d", ordinal)
	}
}

func TestRotationReturnsCopy(t *testing.T) {
	r := Rotation()
	r[0] = "bogus"

	assert.Equal(t, "random", StrategyFor(0))
	assert.Equal(t, "random", Rotation()[0])
}

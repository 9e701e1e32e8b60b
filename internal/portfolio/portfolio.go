// Package portfolio derives per-worker exploration settings so that parallel
// workers explore different parts of the schedule space.
package portfolio

import "github.com/ChuLiYu/parallel-checker/pkg/types"

// SeedMultiplier decorrelates the seeds of neighbouring workers.
const SeedMultiplier uint64 = 673

// rotation is the fixed strategy order used for the portfolio sentinel.
var rotation = [...]string{
	"random",
	"pct",
	"fairpct",
	"probabilistic",
	"dfs",
}

// Diversify returns the exploration config worker ordinal should run.
// It is a pure function of its inputs.
func Diversify(base types.ExplorationConfig, ordinal uint32) types.ExplorationConfig {
	cfg := base
	if cfg.Strategy == types.PortfolioStrategy {
		cfg.Strategy = StrategyFor(ordinal)
	}
	if base.Seed != nil {
		cfg = cfg.WithSeed(DeriveSeed(*base.Seed, ordinal))
	}
	return cfg
}

// Rotation returns a copy of the portfolio strategy order.
func Rotation() []string {
	return append([]string(nil), rotation[:]...)
}

// StrategyFor picks the portfolio strategy for ordinal.
func StrategyFor(ordinal uint32) string {
	return rotation[ordinal%uint32(len(rotation))]
}

// DeriveSeed is baseSeed + 673*ordinal, wrapping on overflow.
// Recomputing it with the same inputs replays a worker exactly.
func DeriveSeed(baseSeed uint64, ordinal uint32) uint64 {
	return baseSeed + SeedMultiplier*uint64(ordinal)
}

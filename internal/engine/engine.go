// ============================================================================
// parallel-checker exploration engine contract
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: The interface a worker drives, plus a simulated engine.
//
// The real schedule-exploration engine lives outside this repository. The
// worker only needs to:
//   1. Run()          - block until the budget is exhausted, a bug is found,
//                       or Stop() is called
//   2. Stop()         - callable from any goroutine, makes Run return soon
//   3. CloneReport()  - safe after Run returns
//   4. Progress()     - rough completion estimate for heartbeats
//   5. EmitTraces()   - write trace artifacts and return their paths
//
// ============================================================================

package engine

import "github.com/ChuLiYu/parallel-checker/pkg/types"

// Engine is a local schedule-exploration engine.
type Engine interface {
	Run()
	Stop()
	CloneReport() types.TestReport
	Progress() float64
	EmitTraces(dir, baseName string) ([]string, error)
}

// Factory builds an engine for an already-diversified config.
type Factory func(cfg types.ExplorationConfig) Engine

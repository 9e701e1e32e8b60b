// Package types defines the core domain model shared by workers and the coordinator.
package types

import (
	"fmt"
	"strings"
)

// PortfolioStrategy is the reserved strategy name meaning "diversify per worker".
const PortfolioStrategy = "portfolio"

// ExitStatus is the process exit status selected by a worker at the end of a run.
type ExitStatus int

// Exit statuses consumed by the hosting CLI.
const (
	StatusSuccess       ExitStatus = 0 // no bug, no internal error
	StatusBugFound      ExitStatus = 1 // at least one bug in a distributed run
	StatusInternalError ExitStatus = 2 // the engine recorded internal errors
)

func (s ExitStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusBugFound:
		return "BugFound"
	case StatusInternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("ExitStatus(%d)", int(s))
	}
}

// WorkerIdentity identifies one worker for the duration of a run.
// Name is the routing key for every message the worker sends.
type WorkerIdentity struct {
	Name    string `json:"name"`    // <baseName>.<ordinal>
	Ordinal uint32 `json:"ordinal"` // worker index within the run
}

// NewWorkerIdentity derives the identity of worker ordinal under baseName.
func NewWorkerIdentity(baseName string, ordinal uint32) WorkerIdentity {
	return WorkerIdentity{
		Name:    fmt.Sprintf("%s.%d", baseName, ordinal),
		Ordinal: ordinal,
	}
}

func (w WorkerIdentity) String() string {
	return w.Name
}

// ExplorationConfig describes one exploration run. Treat it as an immutable
// value: derive modified copies instead of mutating shared instances.
type ExplorationConfig struct {
	// Exploration
	Strategy        string  `yaml:"strategy" json:"strategy"`                 // scheduling strategy, or "portfolio"
	Seed            *uint64 `yaml:"seed,omitempty" json:"seed,omitempty"`     // optional base random seed
	Schedules       int     `yaml:"schedules" json:"schedules"`               // engine budget
	FullExploration bool    `yaml:"full_exploration" json:"full_exploration"` // keep exploring after the first bug
	EmitFullTrace   bool    `yaml:"emit_full_trace" json:"emit_full_trace"`   // emit traces even without a bug

	// Distributed participation
	Distributed     bool   `yaml:"distributed" json:"distributed"`
	CoordinatorAddr string `yaml:"coordinator_addr" json:"coordinator_addr,omitempty"` // literal host:port
	ServiceName     string `yaml:"service_name" json:"service_name,omitempty"`         // broadcast discovery name

	// Output
	OutputDir    string `yaml:"output_dir" json:"output_dir,omitempty"`
	AssemblyName string `yaml:"assembly_name" json:"assembly_name,omitempty"`
}

// ParticipatesInProtocol reports whether the run connects to a coordinator.
// A config without any coordinator endpoint runs locally with no networking.
func (c ExplorationConfig) ParticipatesInProtocol() bool {
	if !c.Distributed {
		return false
	}
	return c.CoordinatorAddr != "" || c.ServiceName != ""
}

// WithSeed returns a copy of c carrying seed.
func (c ExplorationConfig) WithSeed(seed uint64) ExplorationConfig {
	c.Seed = &seed
	return c
}

// TraceBaseName is the trace file base name for worker ordinal:
// <assemblyBaseName>_<ordinal>.
func (c ExplorationConfig) TraceBaseName(ordinal uint32) string {
	name := c.AssemblyName
	if name == "" {
		name = "test"
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return fmt.Sprintf("%s_%d", name, ordinal)
}

// TestReport is the aggregate produced by an exploration engine.
// The coordination layer clones and forwards it; only the coordinator merges.
type TestReport struct {
	Strategy               string   `json:"strategy"`
	Seed                   *uint64  `json:"seed,omitempty"`
	NumOfFoundBugs         int      `json:"num_of_found_bugs"`
	BugReports             []string `json:"bug_reports,omitempty"`
	InternalErrors         []string `json:"internal_errors,omitempty"`
	NumOfExploredSchedules int      `json:"num_of_explored_schedules"`
	MaxExploredSteps       int      `json:"max_explored_steps"`
	TotalExploredSteps     int      `json:"total_explored_steps"`
}

// Clone returns a deep copy of r.
func (r TestReport) Clone() TestReport {
	out := r
	if r.Seed != nil {
		seed := *r.Seed
		out.Seed = &seed
	}
	out.BugReports = append([]string(nil), r.BugReports...)
	out.InternalErrors = append([]string(nil), r.InternalErrors...)
	return out
}

// Merge folds other into r.
func (r *TestReport) Merge(other TestReport) {
	r.NumOfFoundBugs += other.NumOfFoundBugs
	r.BugReports = append(r.BugReports, other.BugReports...)
	r.InternalErrors = append(r.InternalErrors, other.InternalErrors...)
	r.NumOfExploredSchedules += other.NumOfExploredSchedules
	r.TotalExploredSteps += other.TotalExploredSteps
	if other.MaxExploredSteps > r.MaxExploredSteps {
		r.MaxExploredSteps = other.MaxExploredSteps
	}
}

// WorkerStatus is the coordinator's view of one worker.
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"   // handshake accepted, no report yet
	WorkerReported WorkerStatus = "reported" // test report received
	WorkerDead     WorkerStatus = "dead"     // missed heartbeats for too long
)

// TraceRecord describes one trace artifact received from a worker.
// Inline traces were copied into the run's artifact directory; the others
// are references to a file on the coordinator's own host.
type TraceRecord struct {
	FileName string `json:"file_name"`        // name as sent by the worker
	Inline   bool   `json:"inline"`           // contents were transferred
	Path     string `json:"path,omitempty"`   // where the coordinator stored it
	Size     int    `json:"size,omitempty"`   // bytes stored
	Received int64  `json:"received_unix_ms"` // arrival time
}

// WorkerSummary is the final state of one worker in a run.
type WorkerSummary struct {
	Name     string        `json:"name"`
	Ordinal  uint32        `json:"ordinal"`
	Status   WorkerStatus  `json:"status"`
	Progress float64       `json:"progress"`
	FoundBug bool          `json:"found_bug"`
	Report   *TestReport   `json:"report,omitempty"`
	Traces   []TraceRecord `json:"traces,omitempty"`
}

// RunSummary is the coordinator's aggregate for a whole run. It is what the
// artifact store persists as summary.json.
type RunSummary struct {
	SchemaVer     int             `json:"schema_version"`
	StartedAt     int64           `json:"started_unix_ms"`
	FinishedAt    int64           `json:"finished_unix_ms,omitempty"`
	Completed     bool            `json:"completed"`
	StopBroadcast bool            `json:"stop_broadcast"`
	FirstBugBy    string          `json:"first_bug_by,omitempty"`
	Aggregate     TestReport      `json:"aggregate"`
	Workers       []WorkerSummary `json:"workers"`
}

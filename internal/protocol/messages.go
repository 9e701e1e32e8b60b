// ============================================================================
// parallel-checker wire protocol
// ============================================================================
//
// Package: internal/protocol
// File: messages.go
// Purpose: Typed messages exchanged between a worker and the coordinator.
//
// Channels:
//   primary (worker -> coordinator, request/ack):
//     Handshake, ProgressHeartbeat, BugFound, ReportSubmission, TraceTransfer
//   back-channel (coordinator -> worker, push):
//     StopCommand
//
// Every message travels inside an Envelope that carries the sender's name and
// ordinal, so the coordinator can attribute it to exactly one worker.
//
// ============================================================================

package protocol

import "github.com/ChuLiYu/parallel-checker/pkg/types"

// Kind tags the message variant carried by an envelope.
type Kind string

// Message kinds
const (
	KindHandshake Kind = "Handshake"
	KindStop      Kind = "StopCommand"
	KindProgress  Kind = "ProgressHeartbeat"
	KindBugFound  Kind = "BugFound"
	KindReport    Kind = "ReportSubmission"
	KindTrace     Kind = "TraceTransfer"
	KindAck       Kind = "Ack"
)

// Message is implemented by every protocol variant.
type Message interface {
	Kind() Kind
}

// Handshake announces a worker identity on connect.
type Handshake struct{}

// StopCommand asks a worker to stop exploring.
type StopCommand struct {
	Stop bool `json:"stop"`
}

// ProgressHeartbeat is the periodic liveness signal.
type ProgressHeartbeat struct {
	Progress float64 `json:"progress"` // fraction in [0, 1]
}

// BugFound is sent at most once per run.
type BugFound struct{}

// ReportSubmission is the terminal message of a run.
type ReportSubmission struct {
	Report types.TestReport `json:"report"`
}

// TraceTransfer hands a trace artifact to the coordinator. Contents is only
// meaningful when Inline is set; otherwise FileName is a path the coordinator
// resolves on the shared filesystem.
type TraceTransfer struct {
	FileName string `json:"file_name"`
	Inline   bool   `json:"inline"`
	Contents []byte `json:"contents,omitempty"`
}

// Ack answers every primary-channel request.
type Ack struct {
	Accepted    bool   `json:"accepted"`
	Reason      string `json:"reason,omitempty"`
	BackChannel string `json:"back_channel,omitempty"` // set on handshake: host:port of the push endpoint
}

func (Handshake) Kind() Kind         { return KindHandshake }
func (StopCommand) Kind() Kind       { return KindStop }
func (ProgressHeartbeat) Kind() Kind { return KindProgress }
func (BugFound) Kind() Kind          { return KindBugFound }
func (ReportSubmission) Kind() Kind  { return KindReport }
func (TraceTransfer) Kind() Kind     { return KindTrace }
func (Ack) Kind() Kind               { return KindAck }

package journal

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the run events the coordinator records
// ============================================================================

// EventType is the kind of a journaled run event.
type EventType string

const (
	EventConnect  EventType = "CONNECT"  // worker handshake accepted
	EventReject   EventType = "REJECT"   // handshake refused (duplicate identity)
	EventDead     EventType = "DEAD"     // worker missed heartbeats for too long
	EventBug      EventType = "BUG"      // worker reported a bug
	EventStop     EventType = "STOP"     // stop command pushed to a worker
	EventReport   EventType = "REPORT"   // test report merged
	EventTrace    EventType = "TRACE"    // trace transferred or referenced
	EventComplete EventType = "COMPLETE" // every known worker finished
)

// Event is one journal record.
type Event struct {
	Seq       uint64    `json:"seq"`              // monotonically increasing
	Type      EventType `json:"type"`             // event type
	Worker    string    `json:"worker,omitempty"` // worker name, empty for run-level events
	Detail    string    `json:"detail,omitempty"` // free-form detail (file name, reason)
	Timestamp int64     `json:"timestamp"`        // Unix milliseconds
	Checksum  uint32    `json:"checksum"`         // CRC32 over the fields above except Timestamp
}

// EventHandler processes one event during Replay.
type EventHandler func(event Event) error

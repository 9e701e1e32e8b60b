package journal

// ============================================================================
// Coordinator Journal
// Responsibilities:
// 1. Append run events to a JSON-lines file (append-only)
// 2. Replay and verify the events for post-mortem inspection
// 3. Resume sequence numbers when a journal file is reopened
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const maxRecordSize = 1 << 20

// Journal is an append-only log of coordinator run events.
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// Open creates or reopens the journal at path. Reopening continues after the
// last recorded sequence number.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	var seq uint64
	if stat, err := os.Stat(path); err == nil && stat.Size() > 0 {
		if err := Replay(path, func(e Event) error {
			seq = e.Seq
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// Append records one event and returns its sequence number.
func (j *Journal) Append(eventType EventType, worker, detail string) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	event := Event{
		Seq:       j.seq + 1,
		Type:      eventType,
		Worker:    worker,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = Checksum(event)

	if err := j.encoder.Encode(event); err != nil {
		return 0, err
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, err
		}
	}
	j.seq = event.Seq
	return event.Seq, nil
}

// LastSeq is the sequence number of the last appended event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path is the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close syncs and closes the file. The journal must not be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// Replay reads every event in path in order, verifies its checksum and calls
// handler. It stops at the first error.
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := Verify(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates a record whose checksum does not match its contents.
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrCorrupted indicates a record that could not be parsed.
	ErrCorrupted = errors.New("journal: file is corrupted")

	// ErrClosed indicates the journal was already closed.
	ErrClosed = errors.New("journal: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports an unparsable record.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return errors.Join(ErrCorrupted, e.Cause)
}

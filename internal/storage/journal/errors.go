package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrCorruptedJournal indicates a record cannot be parsed
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates a record's checksum does not match its content
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrEmptyJournal indicates the journal file holds no records
	ErrEmptyJournal = errors.New("journal: file is empty")

	// ErrJournalClosed indicates the journal is closed
	ErrJournalClosed = errors.New("journal: already closed")

	// ErrOutOfOrder indicates sequence numbers are not strictly increasing
	ErrOutOfOrder = errors.New("journal: sequence out of order")

	// ErrUnknownRecord indicates a record with an unknown type
	ErrUnknownRecord = errors.New("journal: unknown record type")
)

// ChecksumError represents a checksum error with detailed information
type ChecksumError struct {
	Seq      uint64 // Sequence number of failed record
	Expected uint32 // Checksum stored in the record
	Actual   uint32 // Checksum computed from the record
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// CorruptionError represents a record that could not be decoded
type CorruptionError struct {
	Line  int   // 1-based line number in the file
	Cause error // Underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrCorruptedJournal) match
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptedJournal }

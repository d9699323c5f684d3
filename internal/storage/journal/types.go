package journal

import "github.com/ChuLiYu/spectrum-fit/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the records appended for every registry mutation
// ============================================================================

// RecordType defines journal record types
type RecordType string

const (
	RecordCreate RecordType = "CREATE" // Fit record created (State holds the new record)
	RecordUpdate RecordType = "UPDATE" // Fit record changed (State holds the full record)
	RecordRemove RecordType = "REMOVE" // Fit record removed
	RecordClear  RecordType = "CLEAR"  // All fit records removed, id counter reset
	RecordSelect RecordType = "SELECT" // Active record changed
)

// Valid reports whether t is a known record type
func (t RecordType) Valid() bool {
	switch t {
	case RecordCreate, RecordUpdate, RecordRemove, RecordClear, RecordSelect:
		return true
	}
	return false
}

// Record represents one journal entry
type Record struct {
	Seq       uint64          `json:"seq"`             // Sequence number (monotonically increasing, survives Rotate)
	Type      RecordType      `json:"type"`            // Record type
	FitID     types.FitID     `json:"fit_id"`          // Affected fit, 0 for CLEAR
	State     *types.FitState `json:"state,omitempty"` // Full record for CREATE/UPDATE
	Timestamp int64           `json:"timestamp"`       // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`        // CRC32 checksum
}

// Handler processes one record during Replay
type Handler func(rec Record) error

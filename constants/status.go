package constants

// ProcessingStatus is the canonical status for rows in processing_records.
type ProcessingStatus string

// Stable values (store these exact strings in DB).
const (
	ProcessingPending   ProcessingStatus = "PENDING"    // created, not yet handed to the worker
	ProcessingRunning   ProcessingStatus = "PROCESSING" // accepted by the worker
	ProcessingCompleted ProcessingStatus = "COMPLETED"  // terminal success, result available
	ProcessingError     ProcessingStatus = "ERROR"      // terminal failure
	ProcessingPartial   ProcessingStatus = "PARTIAL"    // terminal, only part of the batch converted
)

// Terminal reports whether s is a final state.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingError || s == ProcessingPartial
}

// Valid reports whether s is one of the known processing statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case ProcessingPending, ProcessingRunning, ProcessingCompleted, ProcessingError, ProcessingPartial:
		return true
	}
	return false
}

// FileStatus is the canonical status for rows in file_records.
type FileStatus string

const (
	FilePending    FileStatus = "PENDING"
	FileProcessing FileStatus = "PROCESSING"
	FileCompleted  FileStatus = "COMPLETED"
	FileError      FileStatus = "ERROR"
)

var fileStatusRank = map[FileStatus]int{
	FilePending:    0,
	FileProcessing: 1,
	FileCompleted:  2,
	FileError:      2,
}

// CanTransition reports whether a file record may move from s to next.
// File statuses only move forward; a repeated terminal status is allowed.
func (s FileStatus) CanTransition(next FileStatus) bool {
	cur, ok := fileStatusRank[s]
	if !ok {
		return false
	}
	nxt, ok := fileStatusRank[next]
	if !ok {
		return false
	}
	return s == next || nxt > cur
}

// LogLevel is the severity for processing log entries.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

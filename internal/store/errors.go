package store

import (
	"errors"
	"fmt"
	"strings"

	sqlite "modernc.org/sqlite"
)

// Stable error codes surfaced through the API error envelope.
const (
	CodeImageBufferLimitExceeded = "image_buffer_limit_exceeded"
	CodeTaskNotFound             = "task_not_found"
)

var (
	// ErrRunNotFound is returned when a run id does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrTaskNotFound is returned when a scheduled task id does not exist.
	ErrTaskNotFound = errors.New(CodeTaskNotFound)

	// ErrTaskRunNotFound is returned when a task run id does not exist.
	ErrTaskRunNotFound = errors.New("task run not found")

	// ErrSessionNotFound is returned when no session exists for a thread key.
	ErrSessionNotFound = errors.New("thread session not found")

	// ErrIdempotencyPayloadMismatch is returned when an ingest reuses an
	// idempotency key with a different payload. No state is mutated.
	ErrIdempotencyPayloadMismatch = errors.New("idempotency key reused with different payload")

	// ErrImageBufferLimitExceeded is returned when a pending insert would
	// push the scope's buffered count or bytes past the limit.
	ErrImageBufferLimitExceeded = errors.New(CodeImageBufferLimitExceeded)
)

// TerminalStateError is returned by the terminal compare-and-swap when the
// run already left the running state. The message names the current status
// so races with our own success path are diagnosable.
type TerminalStateError struct {
	RunID  string
	Status RunStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("run %s is already %s", e.RunID, e.Status)
}

// isUniqueViolation reports whether err is a SQLite unique/primary-key
// constraint failure. Used to fall back to a second read after a
// concurrent insert won the race.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		// SQLITE_CONSTRAINT is 19; extended codes keep it in the low byte.
		if serr.Code()&0xff == 19 {
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}

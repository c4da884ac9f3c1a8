package duplex

import (
	"errors"
	"fmt"
)

// Error taxonomy for the duplex channel. Malformed frames and orphan
// responses are local: they never tear down the session. Loss of the byte
// stream is fatal: every pending waiter fails once with ErrConnectionClosed
// and the session becomes unusable.
var (
	// ErrMalformedFrame marks one line that failed to parse; the codec
	// resynchronizes at the next newline
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge marks a frame exceeding the line length limit
	ErrFrameTooLarge = errors.New("frame exceeds line limit")

	// ErrDuplicateKey means a second waiter was registered for a key that
	// already has one; fatal to that call, not to the session
	ErrDuplicateKey = errors.New("waiter already registered for key")

	// ErrTimeout means no response arrived within the caller's deadline;
	// surfaced as a retryable outcome
	ErrTimeout = errors.New("request timed out")

	// ErrConnectionClosed means the underlying byte stream is gone
	ErrConnectionClosed = errors.New("connection closed")
)

// FrameError wraps a per-line parse failure with the offending line
type FrameError struct {
	Line []byte
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, truncateLine(e.Line))
}

func (e *FrameError) Unwrap() error { return e.Err }

func truncateLine(line []byte) string {
	const max = 120
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}

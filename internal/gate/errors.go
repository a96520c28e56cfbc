package gate

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes gate admission failures.
type ErrorCode string

const (
	// ErrCodeOutOfSequence indicates the request is behind the gate. A newer
	// writer has already advanced lastAccepted, so the request must be dropped
	// without side effects.
	ErrCodeOutOfSequence ErrorCode = "OUT_OF_SEQUENCE"

	// ErrCodeTimeout indicates a bounded wait expired or the gate is poisoned.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeTooManyRequests indicates an admission limit was exceeded.
	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
)

// Phase names the wait in which a failure happened.
type Phase string

const (
	PhaseAdmission   Phase = "admission"
	PhaseReaderDrain Phase = "reader_drain"
	PhaseReorder     Phase = "reorder"
	PhaseTurn        Phase = "turn"
	PhaseReader      Phase = "reader"
	PhaseExit        Phase = "exit"
)

// Error is returned by EnterWriter and EnterReader.
type Error struct {
	// Code identifies the failure category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Phase is the admission step that failed.
	Phase Phase

	// Seq is the writer's sequence number (zero for readers).
	Seq uint64

	// Resource is the reader's resource key (empty for writers).
	Resource ResourceKey

	// Poisoned reports whether the gate was poisoned when the error was
	// produced, either by this request or by an earlier one.
	Poisoned bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (phase=%s, resource=%s)", e.Code, e.Message, e.Phase, e.Resource)
	}
	return fmt.Sprintf("%s: %s (phase=%s, seq=%d)", e.Code, e.Message, e.Phase, e.Seq)
}

// CodeOf returns the gate error code carried by err, or "" if err is not a
// gate error. Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsOutOfSequence returns true if err is a stale-writer rejection.
func IsOutOfSequence(err error) bool {
	return CodeOf(err) == ErrCodeOutOfSequence
}

// IsTimeout returns true if err is a gate timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsTooManyRequests returns true if err is an admission overload.
func IsTooManyRequests(err error) bool {
	return CodeOf(err) == ErrCodeTooManyRequests
}

// RequiresReload reports whether the client must reload and resynchronize.
// Timeouts and overloads leave client and server state possibly diverged;
// out-of-sequence rejections do not.
func RequiresReload(err error) bool {
	switch CodeOf(err) {
	case ErrCodeTimeout, ErrCodeTooManyRequests:
		return true
	}
	return false
}

func outOfSequence(seq, expected uint64) *Error {
	return &Error{
		Code:    ErrCodeOutOfSequence,
		Message: fmt.Sprintf("writer is behind the gate (expected >= %d)", expected),
		Phase:   PhaseAdmission,
		Seq:     seq,
	}
}

func writerTimeout(seq uint64, phase Phase, message string, poisoned bool) *Error {
	return &Error{
		Code:     ErrCodeTimeout,
		Message:  message,
		Phase:    phase,
		Seq:      seq,
		Poisoned: poisoned,
	}
}

// PoisonedError reports that writer seq produced a response but the gate
// was poisoned by then, so the client must reload anyway. phase is where
// the poisoning was observed: PhaseExit for a writer that completed, or
// PhaseAdmission for a retry answered from the replay cache.
func PoisonedError(seq uint64, phase Phase) *Error {
	return writerTimeout(seq, phase, "gate was poisoned while the writer completed", true)
}

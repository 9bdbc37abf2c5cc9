package zmodem

import (
	"errors"
	"fmt"
)

// Error represents a ZModem protocol error
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// FrameType is the frame type that caused the error (-1 if none)
	FrameType int

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes ZModem errors
type ErrorType int

const (
	// ErrProtocol indicates a protocol violation
	ErrProtocol ErrorType = iota

	// ErrCRC indicates a CRC mismatch on a header or subpacket
	ErrCRC

	// ErrTimeout indicates the expected frame did not arrive in time
	ErrTimeout

	// ErrIO indicates a transport or filesystem failure
	ErrIO

	// ErrCancelled indicates the transfer was cancelled by either side
	ErrCancelled

	// ErrInvalidFrame indicates an invalid frame was received
	ErrInvalidFrame

	// ErrFileSkipped indicates a file transfer was skipped
	ErrFileSkipped

	// ErrRetryBudget indicates the retry budget for one unit was used up
	ErrRetryBudget

	// ErrTruncated indicates a file ended short of its announced size
	ErrTruncated
)

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.FrameType >= 0 {
		return fmt.Sprintf("zmodem %s: %s (frame: %s)", e.Type, msg, FrameTypeName(e.FrameType))
	}
	return fmt.Sprintf("zmodem %s: %s", e.Type, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (t ErrorType) String() string {
	switch t {
	case ErrProtocol:
		return "protocol error"
	case ErrCRC:
		return "CRC error"
	case ErrTimeout:
		return "timeout"
	case ErrIO:
		return "I/O error"
	case ErrCancelled:
		return "cancelled"
	case ErrInvalidFrame:
		return "invalid frame"
	case ErrFileSkipped:
		return "file skipped"
	case ErrRetryBudget:
		return "retry budget exceeded"
	case ErrTruncated:
		return "truncated file"
	default:
		return "unknown error"
	}
}

// NewError creates a new ZModem error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		FrameType: -1,
	}
}

// NewFrameError creates a new ZModem error with frame type information
func NewFrameError(errType ErrorType, message string, frameType int) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		FrameType: frameType,
	}
}

// wrapError attaches a cause to a new error of the given type.
func wrapError(errType ErrorType, message string, err error) *Error {
	return &Error{
		Type:      errType,
		Message:   message,
		FrameType: -1,
		Err:       err,
	}
}

// isType looks through the whole chain, so a budget error still reports
// the failure that used it up.
func isType(err error, t ErrorType) bool {
	var e *Error
	for errors.As(err, &e) {
		if e.Type == t {
			return true
		}
		err = e.Err
	}
	return false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsCRC checks if an error is a CRC error
func IsCRC(err error) bool {
	return isType(err, ErrCRC)
}

// IsCancelled checks if an error indicates cancellation
func IsCancelled(err error) bool {
	return isType(err, ErrCancelled)
}

// IsRetryBudget checks if an error means the retry budget ran out
func IsRetryBudget(err error) bool {
	return isType(err, ErrRetryBudget)
}

// IsTruncated checks if an error means a file ended short of its size
func IsTruncated(err error) bool {
	return isType(err, ErrTruncated)
}

// recoverable reports whether err may be cured by asking for the unit again.
func recoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Type {
	case ErrCRC, ErrTimeout, ErrInvalidFrame:
		return true
	}
	return false
}

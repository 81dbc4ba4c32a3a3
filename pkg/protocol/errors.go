package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is the sentinel wrapped by every ValidationError.
var ErrProtocolViolation = errors.New("protocol violation")

// ValidationError reports a delta that breaks stream ordering. It is a bug
// in the producer, never a runtime condition to recover from.
type ValidationError struct {
	Op     string
	Reason string
}

func violation(op, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: op=%s reason=%s", ErrProtocolViolation, e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrProtocolViolation }

// Code is the run.error code for this error.
func (e *ValidationError) Code() string { return "validation_error" }

// ErrorCode extracts the run.error code from err. Errors may expose a
// Code() string method anywhere in their chain.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return "internal_error"
}

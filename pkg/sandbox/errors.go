package sandbox

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a sandbox failure.
type ErrorKind string

const (
	// KindTimeout means the run exceeded its time or step budget, or its
	// context ended.
	KindTimeout ErrorKind = "timeout"

	// KindContractViolation means the script ran but its output, or the
	// script bundle itself, does not have the shape the slot requires.
	KindContractViolation ErrorKind = "contract_violation"

	// KindScriptThrow means the script failed to load or raised an error.
	KindScriptThrow ErrorKind = "script_throw"
)

// Error is returned for every failed run.
type Error struct {
	Kind    ErrorKind
	Slot    Slot
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("sandbox %s (%s): %s", e.Kind, e.Slot, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsKind reports whether err is a sandbox error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func contractViolation(slot Slot, format string, args ...interface{}) *Error {
	return &Error{Kind: KindContractViolation, Slot: slot, Message: fmt.Sprintf(format, args...)}
}

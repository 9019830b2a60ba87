package model

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable numeric code reported to callers alongside typed
// errors. Codes match the on-ledger contract's error enum.
type ErrorCode uint32

const (
	// CodeInvalidInterval is returned when a task is registered with a
	// zero interval.
	CodeInvalidInterval ErrorCode = 1
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidInterval:
		return "InvalidInterval"
	default:
		return fmt.Sprintf("ErrorCode(%d)", uint32(c))
	}
}

// Error is a coded contract error.
type Error struct {
	Code ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Code, uint32(e.Code))
}

// Is matches any *Error with the same code, so errors.Is(err, ErrInvalidInterval)
// works on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrInvalidInterval is the coded error for interval == 0.
	ErrInvalidInterval = &Error{Code: CodeInvalidInterval}

	// ErrTaskNotFound is returned by execute for an ID that was never
	// registered. Lookups through get_task never return it.
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnauthorized is returned when the creator's proof is missing or
	// does not verify.
	ErrUnauthorized = errors.New("creator authorization failed")
)

// CallError reports a failed cross-call to a target capability. It aborts
// the enclosing execute.
type CallError struct {
	Identity Identity
	Selector string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s.%s: %v", e.Identity, e.Selector, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

package engine

import (
	"errors"
)

// Code is the error taxonomy reported to clients in error events.
type Code string

const (
	CodeAuthenticationFailed Code = "AuthenticationFailed"
	CodeForbidden            Code = "Forbidden"
	CodeNotFound             Code = "NotFound"
	CodeInvalidState         Code = "InvalidState"
	CodeLimitExceeded        Code = "LimitExceeded"
	CodeConflict             Code = "Conflict"
	CodeTransientUnavailable Code = "TransientUnavailable"
	CodeInvalidInput         Code = "InvalidInput"
	CodeInternal             Code = "Internal"
)

var ErrAuthenticationFailed = errors.New("authentication failed")
var ErrForbidden = errors.New("forbidden")
var ErrNotFound = errors.New("not found")
var ErrInvalidState = errors.New("invalid state")
var ErrLimitExceeded = errors.New("limit exceeded")
var ErrConflict = errors.New("conflict")
var ErrTransientUnavailable = errors.New("temporarily unavailable")
var ErrInvalidInput = errors.New("invalid input")

var codes = []struct {
	err  error
	code Code
}{
	{ErrAuthenticationFailed, CodeAuthenticationFailed},
	{ErrForbidden, CodeForbidden},
	{ErrNotFound, CodeNotFound},
	{ErrInvalidState, CodeInvalidState},
	{ErrLimitExceeded, CodeLimitExceeded},
	{ErrConflict, CodeConflict},
	{ErrTransientUnavailable, CodeTransientUnavailable},
	{ErrInvalidInput, CodeInvalidInput},
}

// CodeOf maps an error onto the client-facing taxonomy. Errors that wrap none
// of the sentinels are reported as Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

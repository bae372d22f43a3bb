package matomo

import (
	"errors"
	"fmt"
)

// ErrFetchFailed matches every error returned by [Client]. Callers that
// only care whether a call succeeded check for it and nothing else.
var ErrFetchFailed = errors.New("matomo fetch failed")

// Kind sentinels. Every [*Error] matches exactly one of these.
var (
	ErrConnectivity = errors.New("matomo unreachable")
	ErrAuth         = errors.New("matomo rejected the token")
	ErrMalformed    = errors.New("malformed matomo response")
	ErrAPI          = errors.New("matomo api error")
)

// Error describes a failed Matomo API call.
type Error struct {
	Kind    error  // one of ErrConnectivity, ErrAuth, ErrMalformed, ErrAPI
	Method  string // Matomo API method, e.g. "VisitsSummary.get"
	Status  int    // HTTP status, 0 when no response was received
	Message string
	Err     error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Method, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrFetchFailed and the error's own kind.
func (e *Error) Is(target error) bool {
	return target == ErrFetchFailed || target == e.Kind
}

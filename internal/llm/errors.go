package llm

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these; the concrete *Error carries the
// message shown to the user.
var (
	ErrMissingCredential = errors.New("missing api key")
	ErrNetwork           = errors.New("network error")
	ErrInvalidCredential = errors.New("invalid api key")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrEmptyResponse     = errors.New("empty response")
	ErrMalformedOutput   = errors.New("malformed ai output")
	ErrUpstream          = errors.New("ai service error")
	ErrInvalidFrame      = errors.New("invalid frame")
)

// Error is a classified gateway or parser failure.
type Error struct {
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, status int, cause error, format string, a ...any) *Error {
	return &Error{
		Kind:       kind,
		StatusCode: status,
		Message:    fmt.Sprintf(format, a...),
		Err:        cause,
	}
}

// StatusError is returned by transports for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gemini request failed (status: %d)", e.StatusCode)
	}
	return fmt.Sprintf("gemini request failed (status: %d): %s", e.StatusCode, e.Message)
}

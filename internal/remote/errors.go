package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrNetwork is a transport failure or timeout
	ErrNetwork = errors.New("network error")
	// ErrProtocol is a malformed or unexpected server response
	ErrProtocol = errors.New("protocol error")
	// ErrNotFound is a 404 for the resource or feature addressed
	ErrNotFound = errors.New("not found")
	// ErrAuth is an authentication or authorization rejection
	ErrAuth = errors.New("not authorized")
)

// Error is a failed remote call
type Error struct {
	Op     string
	Status int
	Kind   error
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// StatusKind maps an HTTP status to an error kind, nil for success
func StatusKind(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrNetwork
	}
	return ErrProtocol
}

// NewStatusError builds the error for an unsuccessful HTTP status
func NewStatusError(op string, status int, cause error) *Error {
	kind := StatusKind(status)
	if kind == nil {
		kind = ErrProtocol
	}
	return &Error{Op: op, Status: status, Kind: kind, Cause: cause}
}

// Wrap tags err with a kind unless it already carries one
func Wrap(op string, kind, err error) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Op: op, Kind: kind, Cause: err}
}

// IsNotFound reports whether err is a remote 404
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrClientClosed is returned by Call after the client has been closed.
var ErrClientClosed = errors.New("rpc: client closed")

// TimeoutError reports that no reply arrived within the call deadline.
// The pending entry is already removed when this is returned; a late reply
// is dropped by the reply listener as an unknown correlation id.
type TimeoutError struct {
	Service string
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: no reply from %s for %s within %s", e.Service, e.Command, e.Timeout)
}

// TransportError reports that the command could not be handed to the
// broker. It is surfaced immediately and never retried by the core.
type TransportError struct {
	Subject string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: publish to %s failed: %v", e.Subject, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DomainError is a business-level failure reported by a command handler.
// The dispatcher passes it through as a status=error reply with the given
// kind and message instead of converting it to internal_error.
type DomainError struct {
	Kind    string
	Message string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NotFound builds a not_found domain error.
func NotFound(message string) *DomainError {
	return &DomainError{Kind: KindNotFound, Message: message}
}

// Validation builds a validation domain error.
func Validation(message string) *DomainError {
	return &DomainError{Kind: KindValidation, Message: message}
}

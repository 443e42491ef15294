// Package nberrors defines the error taxonomy shared across the remote
// execution fleet core: a small set of kinds (not Go types) that callers
// switch on to decide whether to retry, surface to a human, or disconnect.
package nberrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure the way §7 of the design document does.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindTransport      Kind = "transport"
	KindAuthentication Kind = "authentication"
	KindProtocol       Kind = "protocol"
	KindOperation      Kind = "operation"
	KindResource       Kind = "resource"
	KindFatal          Kind = "fatal"
)

// Error wraps an underlying cause with the kind, failing operation, and
// host it occurred against, so callers can disambiguate "unknown host"
// from "host unreachable" without string matching.
type Error struct {
	Kind Kind
	Op   string
	Host string
	Err  error
}

func (e *Error) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("%s: %s (host=%s): %v", e.Kind, e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error, wrapping err if non-nil.
func New(kind Kind, op, host string, err error) *Error {
	return &Error{Kind: kind, Op: op, Host: host, Err: err}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsTransport reports whether err should trigger C5's one-retry recovery
// path: connection closed, broken pipe, reset, not-connected, or EOF.
func IsTransport(err error) bool {
	return Is(err, KindTransport)
}

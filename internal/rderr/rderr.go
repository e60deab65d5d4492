// Package rderr implements the error taxonomy every component in this
// daemon reports through: a handful of sentinel kinds distinguished with
// errors.Is, plus a NotFoundError that carries the missing name and a
// WithContext wrapper for adding a human-readable trail.
package rderr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotImplemented is returned by a net/server operation the
	// implementation does not offer. Fatal only if the caller requires
	// that capability.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotEnabled is returned by an operation gated by build tag or
	// config that is absent on this platform or deployment.
	ErrNotEnabled = errors.New("not enabled")

	// ErrAbortedByUser is returned when a flow is torn down by
	// stop_connection or by supervisor shutdown.
	ErrAbortedByUser = errors.New("aborted by user")

	// ErrConfig marks a build-time configuration error.
	ErrConfig = errors.New("invalid config")

	// ErrNoMatch is the request-time sibling of NotFound raised by the
	// rule engine when no rule matches a flow.
	ErrNoMatch = errors.New("no matching rule")
)

// NotFoundError names an unresolved reference: a net, a rule target, or a
// registry entry. It is fatal at build time.
type NotFoundError struct {
	Kind string // "net", "net_type", "server_type", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %q", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFoundSentinel
}

// ErrNotFoundSentinel lets callers test with errors.Is(err,
// rderr.ErrNotFoundSentinel) without type-asserting *NotFoundError when the
// name doesn't matter.
var ErrNotFoundSentinel = errors.New("not found")

func NotFound(kind, name string) error {
	return &NotFoundError{Kind: kind, Name: name}
}

// WithContext wraps err with a human-readable trail, preserving errors.Is/As
// on the wrapped error via %w.
func WithContext(msg string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

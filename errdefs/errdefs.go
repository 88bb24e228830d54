// Package errdefs defines the error taxonomy shared by every Recast
// component. Services and stores return errors wrapped with one of the
// kinds below; only the HTTP layer translates kinds into status codes,
// and only the executor consults Retryable to decide task requeueing.
//
// Kinds are plain sentinel errors so callers can test them with
// errors.Is, and their string form is the stable wire code emitted in
// API error envelopes.
package errdefs

import (
	"errors"
	"fmt"
)

// Taxonomy kinds. The string form of each sentinel is the wire-level
// error code returned by the API.
var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not_found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidInput      = errors.New("invalid_input")
	ErrThrottled         = errors.New("throttled")
	ErrProviderExhausted = errors.New("provider_exhausted")
	ErrCancelled         = errors.New("cancelled")
	ErrTransient         = errors.New("transient")
	ErrFatal             = errors.New("fatal")
)

// kinds enumerates every sentinel for KindOf lookups.
var kinds = []error{
	ErrUnauthenticated,
	ErrForbidden,
	ErrNotFound,
	ErrConflict,
	ErrInvalidInput,
	ErrThrottled,
	ErrProviderExhausted,
	ErrCancelled,
	ErrTransient,
	ErrFatal,
}

type kindError struct {
	kind  error
	cause error
	msg   string
}

func (e *kindError) Error() string {
	if e.cause != nil && e.msg != "" {
		return e.msg + ": " + e.cause.Error()
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.msg
}

// Unwrap exposes both the kind and the underlying cause so that
// errors.Is matches either.
func (e *kindError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// E returns a new error of the given kind with a formatted message.
func E(kind error, format string, args ...interface{}) error {
	return &kindError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. The cause stays in the
// chain for errors.Is / errors.As. Wrapping nil returns nil.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

// Wrapf is Wrap with an additional message prefix.
func Wrapf(kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the taxonomy kind carried by err, or nil when the
// error is unclassified.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Code returns the wire-level error code for err. Unclassified errors
// report as fatal so nothing internal leaks through the API.
func Code(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return ErrFatal.Error()
}

// Retryable reports whether a task failing with err should be retried.
// Unclassified errors count as retryable; permanent kinds do not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrFatal, ErrInvalidInput, ErrCancelled,
		ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrConflict:
		return false
	case ErrTransient, ErrThrottled, ErrProviderExhausted:
		return true
	default:
		return true
	}
}

func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }
func IsForbidden(err error) bool       { return errors.Is(err, ErrForbidden) }
func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
func IsInvalidInput(err error) bool    { return errors.Is(err, ErrInvalidInput) }
func IsThrottled(err error) bool       { return errors.Is(err, ErrThrottled) }
func IsCancelled(err error) bool       { return errors.Is(err, ErrCancelled) }
func IsTransient(err error) bool       { return errors.Is(err, ErrTransient) }

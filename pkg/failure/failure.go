package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every error that crosses a stage
// boundary carries exactly one Kind, assigned where the failure originated.
type Kind string

const (
	// KindParse covers format detection and value coercion failures.
	KindParse Kind = "PARSE"
	// KindSchema covers payloads that violate the canonical schema.
	KindSchema Kind = "SCHEMA"
	// KindCOB covers a missing, invalid or out-of-window partition date.
	KindCOB Kind = "COB"
	// KindValidation covers business-rule failures.
	KindValidation Kind = "VALIDATION"
	// KindCircuitOpen marks records shed while the topic's circuit is open.
	// Assigned only at the shed site, never by classification.
	KindCircuitOpen Kind = "CIRCUIT_OPEN"
	// KindTransientBroker covers timeouts, disconnects and throttles from the log broker.
	KindTransientBroker Kind = "TRANSIENT_BROKER"
	// KindTransientStore covers 5xx, throttles and connection resets from the object store.
	KindTransientStore Kind = "TRANSIENT_STORE"
	// KindCommitConflict is handled inside the table writer and only escapes
	// once the conflict retry bound is exhausted.
	KindCommitConflict Kind = "COMMIT_CONFLICT"
	// KindConfig covers missing schemas, mappings or credentials. Fatal to the
	// topic's pipeline.
	KindConfig Kind = "CONFIG"
)

// Retriable reports whether failures of this kind are worth retrying.
func (k Kind) Retriable() bool {
	switch k {
	case KindTransientBroker, KindTransientStore, KindCommitConflict:
		return true
	default:
		return false
	}
}

// TripsCircuit reports whether failures of this kind count toward opening the
// topic's circuit breaker.
func (k Kind) TripsCircuit() bool {
	switch k {
	case KindSchema, KindConfig, KindTransientStore:
		return true
	default:
		return false
	}
}

// Fatal reports whether this kind stops the topic's pipeline entirely.
func (k Kind) Fatal() bool {
	return k == KindConfig
}

// Error is a classified pipeline failure.
type Error struct {
	Kind          Kind
	CorrelationID string
	Msg           string
	Err           error

	// promoted marks a retriable failure whose retry budget was exhausted.
	// The Kind is preserved for reporting; retriability is not.
	promoted bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, correlationID, format string, args ...any) *Error {
	return &Error{Kind: kind, CorrelationID: correlationID, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. If err is already classified its original
// Kind is kept: classification happens at the origin and is carried forward
// unchanged through re-wrapping.
func Wrap(kind Kind, correlationID string, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, CorrelationID: correlationID, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Promote marks a retriable error as having exhausted its retry budget. The
// result reports non-retriable while keeping the original kind.
func Promote(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.promoted = true
		return &cp
	}
	return &Error{Kind: KindTransientBroker, Msg: err.Error(), Err: err, promoted: true}
}

// KindOf extracts the Kind of err. Unclassified errors are treated as
// transient broker failures: under at-least-once delivery a retry is always
// the safe default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransientBroker
}

// IsRetriable reports whether err should be retried rather than dead-lettered.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return !e.promoted && e.Kind.Retriable()
	}
	return true
}

// IsFatal reports whether err stops the topic's pipeline.
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Fatal()
	}
	return false
}

// CorrelationID returns the correlation id attached to err, if any.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

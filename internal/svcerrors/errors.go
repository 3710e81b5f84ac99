// Package svcerrors provides the relayer's error taxonomy.
//
// Errors built by this package carry one of the Kind values below so
// callers can branch on "what kind of failure is this" without string
// matching, while still composing with errors.Is/errors.As over the
// wrapped cause.
package svcerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error categories from the relayer's error
// handling design: recoverable-by-retry, per-event, or fatal.
type Kind string

const (
	// KindRateLimited is a provider-throttling error, recoverable by
	// backoff-and-retry inside the RPC client.
	KindRateLimited Kind = "rate_limited"
	// KindRPCTransient is a connection/timeout error outside the
	// rate-limit signature. The RPC client does not retry it; the relay
	// cycle fails and is retried on the next cycle.
	KindRPCTransient Kind = "rpc_transient"
	// KindDecodeFailure means a log could not be decoded against the
	// supplied ABI; the offending event is dropped, the cycle continues.
	KindDecodeFailure Kind = "decode_failure"
	// KindDuplicate describes an event_id that already exists in the dedup
	// store. Expected and informational; the checkpoint store's
	// MarkEventProcessed reports this case as a false return, not an error.
	KindDuplicate Kind = "duplicate"
	// KindPublishTransient is recoverable inside the publisher's own
	// retry loop.
	KindPublishTransient Kind = "publish_transient"
	// KindPublishFatal means the publisher exhausted its retries; the
	// event must not be marked processed.
	KindPublishFatal Kind = "publish_fatal"
	// KindStoreError is a checkpoint-store backend failure; it aborts
	// the current cycle and is retried next cycle.
	KindStoreError Kind = "store_error"
	// KindConfigError is fatal at startup.
	KindConfigError Kind = "config_error"
)

// RelayerError is the relayer's structured error type.
type RelayerError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *RelayerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *RelayerError) Unwrap() error { return e.Err }

// Is reports whether target is a *RelayerError of the same Kind, so
// errors.Is(err, svcerrors.New(kind, "")) matches any error of that kind —
// see KindOf for the common case of branching on kind.
func (e *RelayerError) Is(target error) bool {
	var other *RelayerError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New creates a RelayerError with no wrapped cause.
func New(kind Kind, message string) *RelayerError {
	return &RelayerError{Kind: kind, Message: message}
}

// Newf creates a RelayerError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *RelayerError {
	return &RelayerError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps cause with a RelayerError of the given kind.
func Wrap(kind Kind, message string, cause error) *RelayerError {
	return &RelayerError{Kind: kind, Message: message, Err: cause}
}

// Wrapf wraps cause with a formatted RelayerError of the given kind.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *RelayerError {
	return &RelayerError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Convenience constructors for the taxonomy in spec §7.

func RateLimited(message string) *RelayerError { return New(KindRateLimited, message) }

func RPCTransient(cause error) *RelayerError {
	return Wrap(KindRPCTransient, "rpc call failed", cause)
}

func DecodeFailure(eventName string, cause error) *RelayerError {
	return Wrapf(KindDecodeFailure, cause, "decode event %q", eventName)
}

func Duplicate(eventID string) *RelayerError {
	return Newf(KindDuplicate, "event %s already processed", eventID)
}

func PublishTransient(cause error) *RelayerError {
	return Wrap(KindPublishTransient, "publish attempt failed", cause)
}

func PublishFatal(eventID string, cause error) *RelayerError {
	return Wrapf(KindPublishFatal, cause, "publish exhausted retries for event %s", eventID)
}

func StoreErrorf(cause error, format string, args ...interface{}) *RelayerError {
	return Wrapf(KindStoreError, cause, format, args...)
}

func ConfigErrorf(format string, args ...interface{}) *RelayerError {
	return Newf(KindConfigError, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err, returning ok=false when err is not (or
// does not wrap) a *RelayerError.
func KindOf(err error) (Kind, bool) {
	var re *RelayerError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// HasKind reports whether err is or wraps a *RelayerError of the given kind.
func HasKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Package apperr defines the single error sum type every engine operation
// returns: a typed Kind plus an optional wrapped cause.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Every operation in pkg/capsule, pkg/upload,
// pkg/blobstore, and pkg/token surfaces one of these, never a bare error.
type Kind string

const (
	Unauthorized         Kind = "unauthorized"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	InvalidArgument      Kind = "invalid_argument"
	InvalidState         Kind = "invalid_state"
	QuotaExceeded        Kind = "quota_exceeded"
	ChunkMismatch        Kind = "chunk_mismatch"
	HashMismatch         Kind = "hash_mismatch"
	SizeMismatch         Kind = "size_mismatch"
	Incomplete           Kind = "incomplete"
	EncodingTooLarge     Kind = "encoding_too_large"
	TransientUnavailable Kind = "transient_unavailable"
	Internal             Kind = "internal"
)

// Error is the engine's single error type. Kind carries the taxonomy,
// Msg is a human-readable detail, Cause (optional) is the underlying
// error, reachable via errors.Unwrap/errors.As.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may retry the operation that
// produced this error. Per the error taxonomy only Conflict and
// TransientUnavailable are retryable; callers must still bound retries.
func (e *Error) Retryable() bool {
	return e.Kind == Conflict || e.Kind == TransientUnavailable
}

// New builds an *Error with a static message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Wrapf attaches a Kind to an underlying cause with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

func Unauthorizedf(format string, args ...any) *Error {
	return Newf(Unauthorized, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return Newf(Conflict, format, args...)
}

func InvalidArgumentf(format string, args ...any) *Error {
	return Newf(InvalidArgument, format, args...)
}

func InvalidStatef(format string, args ...any) *Error {
	return Newf(InvalidState, format, args...)
}

func QuotaExceededf(format string, args ...any) *Error {
	return Newf(QuotaExceeded, format, args...)
}

func EncodingTooLargef(format string, args ...any) *Error {
	return Newf(EncodingTooLarge, format, args...)
}

func TransientUnavailablef(format string, args ...any) *Error {
	return Newf(TransientUnavailable, format, args...)
}

func Internalf(format string, args ...any) *Error {
	return Newf(Internal, format, args...)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Internal if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

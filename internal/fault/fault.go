// Package fault defines the error taxonomy shared by every chunkledger component.
//
// Each error carries a Kind that decides how callers react:
//   - InvalidInput, NotFound, InvalidState: surfaced immediately, never retried
//   - TransientIO: retried internally with bounded backoff
//   - Permanent: retry budget exhausted, last cause attached
//   - ServiceUnavailable: verification could reach neither source
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind categorizes an error.
type Kind string

const (
	KindUnknown            Kind = "UNKNOWN"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidState       Kind = "INVALID_STATE"
	KindTransientIO        Kind = "TRANSIENT_IO"
	KindPermanent          Kind = "PERMANENT"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
)

// Error is the single error type carrying a Kind.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the failing operation, e.g. "session.append".
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the outermost *Error in err's chain.
// Context deadlines and network errors without a Kind count as TransientIO.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if isTransient(err) {
		return KindTransientIO
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err should be retried with backoff: transient
// faults and unclassified errors from external collaborators. Errors with a
// definite Kind are final.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindUnknown:
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// InvalidInput reports a malformed request.
func InvalidInput(op, format string, args ...any) *Error {
	return newf(KindInvalidInput, op, format, args...)
}

// NotFound reports an unknown session, chunk, content or ledger record.
func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

// InvalidState reports an operation that is illegal in the current lifecycle state.
func InvalidState(op, format string, args ...any) *Error {
	return newf(KindInvalidState, op, format, args...)
}

// Transient wraps a failed external call that may succeed on retry.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientIO, Op: op, Err: err}
}

// Permanent wraps the last cause once the retry budget is exhausted.
func Permanent(op string, attempts int, err error) *Error {
	return &Error{
		Kind:    KindPermanent,
		Op:      op,
		Message: fmt.Sprintf("gave up after %d attempts", attempts),
		Err:     err,
	}
}

// ServiceUnavailable reports that no source could be reached.
func ServiceUnavailable(op string, err error) *Error {
	return &Error{Kind: KindServiceUnavailable, Op: op, Message: "all sources unreachable", Err: err}
}

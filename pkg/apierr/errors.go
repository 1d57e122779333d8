// Package apierr is the failure taxonomy shared by every layer of blobgate.
//
// A failure carries a Kind. Any error of a Kind matches that Kind's exported
// sentinel through errors.Is:
//
//	if errors.Is(err, apierr.ErrNotFound) { ... }
package apierr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindAlreadyExists
	KindInvalidRequest
	KindServiceUnavailable
	KindConflict
	KindTimeout
	KindCancelled
	KindAccessDenied
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindNotFound:           "NotFound",
	KindAlreadyExists:      "AlreadyExists",
	KindInvalidRequest:     "InvalidRequest",
	KindServiceUnavailable: "ServiceUnavailable",
	KindConflict:           "Conflict",
	KindTimeout:            "Timeout",
	KindCancelled:          "Cancelled",
	KindAccessDenied:       "AccessDenied",
	KindInternal:           "InternalError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Sentinels, one per kind. They carry no message and match any *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrAlreadyExists      = &Error{Kind: KindAlreadyExists}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest}
	ErrServiceUnavailable = &Error{Kind: KindServiceUnavailable}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrCancelled          = &Error{Kind: KindCancelled}
	ErrAccessDenied       = &Error{Kind: KindAccessDenied}
	ErrInternal           = &Error{Kind: KindInternal}
)

// Error is a typed failure.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "statBlob"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Detail is the message without the kind and op prefix.
func (e *Error) Detail() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Msg
}

// Is matches on Kind so the package sentinels work with errors.Is. Any other
// *Error target, such as a package-level error with its own message, only
// matches itself.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || !t.sentinel() {
		return false
	}
	return t.Kind == e.Kind
}

func (e *Error) sentinel() bool {
	return e.Op == "" && e.Msg == "" && e.Err == nil
}

// New builds a failure of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. Wrap returns nil for a nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the failure kind of err.
// Context errors are classified as Timeout / Cancelled, anything else
// unclassified is InternalError.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// Recoverable reports whether a caller may reasonably retry after a failure of
// this kind. The core never retries; gateways decide.
func Recoverable(kind Kind) bool {
	switch kind {
	case KindServiceUnavailable, KindTimeout, KindConflict:
		return true
	}
	return false
}

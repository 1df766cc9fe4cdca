// Package failure defines the error taxonomy shared by the storage, transfer
// and discovery layers.
//
// Every algorithmic failure (digest mismatch, malformed bundle, protocol
// violation, ...) is a *Error whose Kind is a library failure. Argument
// errors such as unknown revisions or bad paths use KindInvalidArgument and
// never imply repository corruption.
package failure

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-vcs/pkg/revision"
)

// Kind classifies a failure.
type Kind int

const (
	KindConnectivity Kind = iota + 1
	KindProtocol
	KindIntegrity
	KindMalformedBundle
	KindLock
	KindCancelled
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity failure"
	case KindProtocol:
		return "protocol violation"
	case KindIntegrity:
		return "integrity failure"
	case KindMalformedBundle:
		return "malformed bundle"
	case KindLock:
		return "lock failure"
	case KindCancelled:
		return "cancelled"
	case KindInvalidArgument:
		return "invalid argument"
	}
	return "unknown failure"
}

// Sentinels usable with errors.Is. Any *Error of the same Kind matches.
var (
	ErrConnectivity    = &Error{Kind: KindConnectivity}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrIntegrity       = &Error{Kind: KindIntegrity}
	ErrMalformedBundle = &Error{Kind: KindMalformedBundle}
	ErrLock            = &Error{Kind: KindLock}
	ErrCancelled       = &Error{Kind: KindCancelled}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
)

// Error is a classified failure. Node is revision.Null when the failure is
// not tied to a single revision.
type Error struct {
	Kind Kind
	Op   string
	Node revision.Node
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if !e.Node.IsNull() {
		msg += " at " + e.Node.Short()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newf(kind Kind, op string, node revision.Node, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Node: node, Err: fmt.Errorf(format, args...)}
}

// Connectivity classifies a transport error. Errors that are already
// classified pass through; context errors become Cancelled.
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindCancelled, Op: op, Err: err}
	}
	return &Error{Kind: KindConnectivity, Op: op, Err: err}
}

func Protocol(op string, format string, args ...interface{}) error {
	return newf(KindProtocol, op, revision.Null, format, args...)
}

func Integrity(op string, node revision.Node, format string, args ...interface{}) error {
	return newf(KindIntegrity, op, node, format, args...)
}

func Malformed(op string, format string, args ...interface{}) error {
	return newf(KindMalformedBundle, op, revision.Null, format, args...)
}

func Lock(op string, err error) error {
	return &Error{Kind: KindLock, Op: op, Err: err}
}

func InvalidArgument(op string, format string, args ...interface{}) error {
	return newf(KindInvalidArgument, op, revision.Null, format, args...)
}

// Cancelled wraps a context error. It returns nil for a nil error so it can
// be used directly on ctx.Err().
func Cancelled(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindCancelled, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in the chain, or 0.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// IsLibraryFailure reports whether err is an internal algorithmic failure as
// opposed to a user or argument error.
func IsLibraryFailure(err error) bool {
	k := KindOf(err)
	return k != 0 && k != KindInvalidArgument
}

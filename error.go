// Hub driver error taxonomy
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package pbio defines the single error taxonomy shared by every driver and
// by the pbos cooperative task runtime they are built on.
package pbio

import "errors"

// Kind identifies the class of a driver error, mirroring the pbio_error_t
// enumeration of the original firmware.
type Kind int

const (
	// KindAgain is not a failure. It indicates a cooperative yield: the
	// awaitable has not completed yet and must be polled again.
	KindAgain Kind = iota
	// KindInvalidArg indicates a caller-supplied argument was out of range.
	KindInvalidArg
	// KindInvalidOp indicates the operation is not valid in the current
	// state (e.g. stdout write while not subscribed).
	KindInvalidOp
	// KindBusy indicates the resource is already in use by a concurrent
	// operation.
	KindBusy
	// KindIO indicates the hardware returned an error status.
	KindIO
	// KindTimedOut indicates an operation did not complete before its
	// timer expired.
	KindTimedOut
	// KindNoDev indicates the addressed device does not exist.
	KindNoDev
	// KindFailed is an unspecified failure (e.g. a flash ID mismatch).
	KindFailed
	// KindNotImplemented indicates a build-time disabled feature.
	KindNotImplemented
)

func (k Kind) String() string {
	switch k {
	case KindAgain:
		return "again"
	case KindInvalidArg:
		return "invalid argument"
	case KindInvalidOp:
		return "invalid operation"
	case KindBusy:
		return "busy"
	case KindIO:
		return "io error"
	case KindTimedOut:
		return "timed out"
	case KindNoDev:
		return "no device"
	case KindFailed:
		return "failed"
	case KindNotImplemented:
		return "not implemented"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type returned by every awaitable in this
// module. Op names the operation that failed (e.g. "flash.Read"), and Err
// optionally wraps a lower-level cause (e.g. the error from a SPI bus
// driver).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ErrAgain is the sentinel compared against by pbos to decide whether a
// process entry function must be polled again. Every "again" error returned
// by this module is an *Error with Kind == KindAgain, constructed by Again().
var ErrAgain = &Error{Kind: KindAgain, Op: "pbos"}

// Again constructs the sentinel "not finished yet, poll me again" error.
func Again() error {
	return ErrAgain
}

// IsAgain reports whether err signals a cooperative yield rather than a
// terminal result.
func IsAgain(err error) bool {
	return Is(err, KindAgain)
}

func newErr(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// InvalidArg constructs a KindInvalidArg error.
func InvalidArg(op string) error { return newErr(KindInvalidArg, op, nil) }

// InvalidOp constructs a KindInvalidOp error.
func InvalidOp(op string) error { return newErr(KindInvalidOp, op, nil) }

// Busy constructs a KindBusy error.
func Busy(op string) error { return newErr(KindBusy, op, nil) }

// IO constructs a KindIO error, optionally wrapping a lower-level cause.
func IO(op string, cause error) error { return newErr(KindIO, op, cause) }

// TimedOut constructs a KindTimedOut error.
func TimedOut(op string) error { return newErr(KindTimedOut, op, nil) }

// NoDev constructs a KindNoDev error.
func NoDev(op string) error { return newErr(KindNoDev, op, nil) }

// Failed constructs a KindFailed error, optionally wrapping a cause.
func Failed(op string, cause error) error { return newErr(KindFailed, op, cause) }

// NotImplemented constructs a KindNotImplemented error.
func NotImplemented(op string) error { return newErr(KindNotImplemented, op, nil) }

// Package kernel hosts the interactive execution kernel: the TCP
// server, per-client sessions, the execution engine serializing all
// interpreter access, and the lifecycle glue around them.
package kernel

import (
	"errors"
	"fmt"
)

// Kind classifies a kernel error for propagation policy.
type Kind int

const (
	KindInternal Kind = iota
	KindNetwork
	KindTimeout
	KindProtocol
	KindValidation
	KindConfiguration
	KindInterpreter
	KindInterpreterAbort
	KindState
	KindDaemonSetup
	KindResource
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindValidation:
		return "validation"
	case KindConfiguration:
		return "configuration"
	case KindInterpreter:
		return "interpreter"
	case KindInterpreterAbort:
		return "interpreter_abort"
	case KindState:
		return "state"
	case KindDaemonSetup:
		return "daemon_setup"
	case KindResource:
		return "resource"
	default:
		return "internal"
	}
}

// Error is a classified kernel error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of err, KindInternal for unclassified
// errors.
func KindOf(err error) Kind {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindInternal
}

// Retryable reports whether a client may sensibly retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout, KindResource:
		return true
	}
	return false
}

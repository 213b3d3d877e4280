package voice

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors.
type Kind int

const (
	KindAuthFailure Kind = iota + 1
	KindPermissionDenied
	KindTransport
	KindProtocol
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "auth_failure"
	case KindPermissionDenied:
		return "permission_denied"
	case KindTransport:
		return "transport_error"
	case KindProtocol:
		return "protocol_error"
	case KindDecode:
		return "decode_error"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	return k == KindAuthFailure || k == KindPermissionDenied || k == KindTransport
}

// Sentinels for errors.Is against an *Error's kind.
var (
	ErrAuthFailure      = &Error{Kind: KindAuthFailure}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrDecode           = &Error{Kind: KindDecode}
)

var (
	ErrNotConnected  = errors.New("no open session")
	ErrSessionActive = errors.New("a session is already active")
	ErrSendRefused   = errors.New("outbound queue refused message")
)

// Error is the error type surfaced by the engine.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTransport) works
// regardless of Op and cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

package protocol

import "errors"

// Kind classifies a failure. Server kinds are passed through verbatim.
type Kind string

const (
	KindConnectionClosed  Kind = "connection closed"
	KindUnauthenticated   Kind = "unauthenticated"
	KindInvalidOperation  Kind = "invalid operation"
	KindBadRequest        Kind = "bad request"
	KindOutOfFuel         Kind = "out of fuel"
	KindOffline           Kind = "offline"
	KindInvalidCredential Kind = "invalid credential"
	KindUnknown           Kind = "unknown"
)

// Retryable reports whether failures of this kind may be deferred and resubmitted.
func (k Kind) Retryable() bool {
	return k == KindOutOfFuel
}

// Error is a classified request or connection failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors (no message) by kind, so
// errors.Is(err, ErrOutOfFuel) holds for any out-of-fuel failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConnectionClosed  = &Error{Kind: KindConnectionClosed}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated}
	ErrInvalidOperation  = &Error{Kind: KindInvalidOperation}
	ErrBadRequest        = &Error{Kind: KindBadRequest}
	ErrOutOfFuel         = &Error{Kind: KindOutOfFuel}
	ErrOffline           = &Error{Kind: KindOffline}
	ErrInvalidCredential = &Error{Kind: KindInvalidCredential}
)

// NewError builds a classified error. An empty kind becomes KindUnknown.
func NewError(kind Kind, message string) *Error {
	if kind == "" {
		kind = KindUnknown
	}
	return &Error{Kind: kind, Message: message}
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// ConnectionClosed returns a fresh "connection closed" error with the given detail.
func ConnectionClosed(message string) *Error {
	return &Error{Kind: KindConnectionClosed, Message: message}
}

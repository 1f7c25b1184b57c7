// Package dxerr holds the error taxonomy shared by the codec, the interpreter
// and the network layer.
package dxerr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindFormat
	KindSecurity
	KindPermission
	KindValue
	KindType
	KindNetwork
	KindRuntime
)

var kindNames = [...]string{
	KindUnknown:    "Error",
	KindFormat:     "FormatError",
	KindSecurity:   "SecurityError",
	KindPermission: "PermissionError",
	KindValue:      "ValueError",
	KindType:       "TypeError",
	KindNetwork:    "NetworkError",
	KindRuntime:    "RuntimeError",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind. Unknown names yield KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return Kind(k)
		}
	}
	return KindUnknown
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrFormat     = &Error{Kind: KindFormat}
	ErrSecurity   = &Error{Kind: KindSecurity}
	ErrPermission = &Error{Kind: KindPermission}
	ErrValue      = &Error{Kind: KindValue}
	ErrType       = &Error{Kind: KindType}
	ErrNetwork    = &Error{Kind: KindNetwork}
	ErrRuntime    = &Error{Kind: KindRuntime}

	// ErrTimeout is wrapped by network errors raised when a response did not arrive in time.
	ErrTimeout = errors.New("response timeout")
	// ErrNoRoute is wrapped by network errors raised when no socket reaches a receiver.
	ErrNoRoute = errors.New("no route")
)

type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s += " (" + e.Op + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrValue) works on
// every value error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg) && (t.Op == "" || t.Op == e.Op)
}

func newf(k Kind, op, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: k, Op: op, Msg: msg}
}

func Format(op, format string, args ...any) *Error { return newf(KindFormat, op, format, args...) }

func Security(op, format string, args ...any) *Error { return newf(KindSecurity, op, format, args...) }

func Permission(op, format string, args ...any) *Error {
	return newf(KindPermission, op, format, args...)
}

func Value(op, format string, args ...any) *Error { return newf(KindValue, op, format, args...) }

func Type(op, format string, args ...any) *Error { return newf(KindType, op, format, args...) }

func Network(op, format string, args ...any) *Error { return newf(KindNetwork, op, format, args...) }

func Runtime(op, format string, args ...any) *Error { return newf(KindRuntime, op, format, args...) }

// Wrap attaches a kind to an existing error. A nil err yields nil.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Fatal reports whether an error of this kind ends the scope that raised it.
func (k Kind) Fatal() bool {
	return k != KindPermission
}

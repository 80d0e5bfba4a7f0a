package laboratory

import (
	"errors"
	"fmt"
)

// ErrorKind classifies workflow failures so callers can decide whether to retry.
type ErrorKind int

const (
	KindInvalidTransition ErrorKind = iota + 1
	KindConflict
	KindResultLocked
	KindSelfApprovalForbidden
	KindValidation
	KindNotFound
	KindDispatchFailure
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidTransition:
		return "invalid_transition"
	case KindConflict:
		return "conflict"
	case KindResultLocked:
		return "result_locked"
	case KindSelfApprovalForbidden:
		return "self_approval_forbidden"
	case KindValidation:
		return "validation_error"
	case KindNotFound:
		return "not_found"
	case KindDispatchFailure:
		return "dispatch_failure"
	}
	return "unknown"
}

// Sentinels for errors.Is. Any *Error of the same kind matches its sentinel.
var (
	ErrInvalidTransition     = &Error{Kind: KindInvalidTransition}
	ErrConflict              = &Error{Kind: KindConflict}
	ErrResultLocked          = &Error{Kind: KindResultLocked}
	ErrSelfApprovalForbidden = &Error{Kind: KindSelfApprovalForbidden}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrDispatchFailure       = &Error{Kind: KindDispatchFailure}
)

// Error is a workflow error carrying its kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
	Err  error
}

func newError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Op != "" {
		s = e.Op + ": " + s
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

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

// KindOf returns the workflow kind of err, or 0 when err is not a workflow error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func notFound(op, what string, id fmt.Stringer) *Error {
	return newError(KindNotFound, op, fmt.Sprintf("%s %s not found", what, id))
}

func validationf(op, format string, args ...interface{}) *Error {
	return newError(KindValidation, op, fmt.Sprintf(format, args...))
}

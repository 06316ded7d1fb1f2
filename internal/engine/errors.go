package engine

import (
	"errors"
	"fmt"
)

// Kind classifies a run failure. Hosts branch on kind, never on message
// text.
type Kind string

const (
	KindValidation Kind = "validation"
	KindDriver     Kind = "driver"
	KindStorage    Kind = "storage"
	KindConflict   Kind = "conflict"
	KindFatal      Kind = "fatal"
)

// Error tags a failure with its kind. errors.Is against one of the
// sentinel values below matches any error of the same kind.
type Error struct {
	Kind Kind
	Err  error
}

// Kind sentinels for errors.Is classification.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrDriver     = &Error{Kind: KindDriver}
	ErrStorage    = &Error{Kind: KindStorage}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrFatal      = &Error{Kind: KindFatal}
)

// ErrRuleNotFound reports a run request for an unknown rule id.
var ErrRuleNotFound = errors.New("rule not found")

// ErrRuleDisabled reports a run request for a disabled rule without
// ForceExecution.
var ErrRuleDisabled = errors.New("rule disabled")

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind) + " error"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds a kind-tagged error.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

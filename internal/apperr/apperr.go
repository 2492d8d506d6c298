// Package apperr carries the typed failure kinds returned by every reservation, selection and
// availability operation.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindPastDate      Kind = "past_date"
	KindNonWorkingDay Kind = "non_working_day"
	KindOutsideHours  Kind = "outside_hours"
	KindAdvanceLimit  Kind = "advance_limit_exceeded"
	KindSlotTaken     Kind = "slot_taken"
	KindDuplicate     Kind = "duplicate_request"
	KindAlreadyLocked Kind = "already_locked"
	KindStorage       Kind = "storage_error"
	KindNotFound      Kind = "not_found"
	KindRateLimited   Kind = "rate_limited"
)

// Error is a rejection with a kind, a human message and optional structured details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels declared with New work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy carrying an extra detail.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Storage wraps an infrastructure failure.
func Storage(err error, message string) *Error {
	return Wrap(KindStorage, err, message)
}

// KindOf reports the kind of err, or storage_error for anything untyped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorage
}

// As extracts the *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap attaches op to err. A wrapped *Error keeps its code and identifiers,
// a context error becomes timeout or canceled, and anything else is internal.
// Wrap(nil, ...) is nil.
func Wrap(err error, op string, opts ...Option) error {
	return wrap(err, CodeInternal, op, opts)
}

// WrapWithCode is Wrap with code used for errors that carry no class of
// their own. Context errors keep their own class so shutdown is never
// mistaken for a failure.
func WrapWithCode(err error, code Code, op string, opts ...Option) error {
	return wrap(err, code, op, opts)
}

func wrap(err error, fallback Code, op string, opts []Option) error {
	if err == nil {
		return nil
	}

	e := &Error{code: fallback, op: op, cause: err}
	var inner *Error
	switch {
	case errors.As(err, &inner):
		e.code = inner.code
		e.taskID = inner.taskID
		e.runID = inner.runID
		e.retryable = inner.retryable
	case errors.Is(err, context.DeadlineExceeded):
		e.code = CodeTimeout
	case errors.Is(err, context.Canceled):
		e.code = CodeCanceled
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Is reports whether err carries code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsRetryable reports whether err is worth repeating. Unclassified errors are not.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// LogFields returns err as logging fields, classified or not.
func LogFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		fields := e.LogFields()
		fields["error"] = err.Error()
		return fields
	}
	return map[string]interface{}{"error": err.Error()}
}

// RecoverPanic turns a recovered value into a panic-coded Error, or nil
// when nothing was recovered.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	e := New(CodePanic, "recovered panic", WithField("panic_type", fmt.Sprintf("%T", recovered)))
	switch v := recovered.(type) {
	case error:
		e.cause = v
	default:
		e.cause = fmt.Errorf("%v", v)
	}
	return e
}

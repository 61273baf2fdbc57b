package errors

import (
	"fmt"
	"sort"
	"strings"
)

// Error is a classified failure from a broker operation. Op names the
// operation ("claim", "complete"), and the cause stays reachable through
// Unwrap so store sentinels still match with the standard errors.Is.
type Error struct {
	code      Code
	op        string
	cause     error
	taskID    string
	runID     string
	fields    map[string]string
	retryable *bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.op)
	if e.taskID != "" {
		fmt.Fprintf(&b, " task %s", e.taskID)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the failure class.
func (e *Error) Code() Code { return e.code }

// Op returns the failed operation.
func (e *Error) Op() string { return e.op }

// TaskID returns the task the failure concerns, if known.
func (e *Error) TaskID() string { return e.taskID }

// RunID returns the run the failure concerns, if known.
func (e *Error) RunID() string { return e.runID }

// Retryable reports whether the operation may succeed if repeated.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.code.Retryable()
}

// LogFields flattens the error into the field map the logging package takes.
func (e *Error) LogFields() map[string]interface{} {
	fields := map[string]interface{}{
		"error":     e.Error(),
		"code":      e.code.String(),
		"retryable": e.Retryable(),
	}
	if e.taskID != "" {
		fields["task"] = e.taskID
	}
	if e.runID != "" {
		fields["run"] = e.runID
	}
	keys := make([]string, 0, len(e.fields))
	for k := range e.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, taken := fields[k]; !taken {
			fields[k] = e.fields[k]
		}
	}
	return fields
}

// Option annotates an Error.
type Option func(*Error)

// WithTaskID records the task the failure concerns.
func WithTaskID(id string) Option {
	return func(e *Error) { e.taskID = id }
}

// WithRunID records the run the failure concerns.
func WithRunID(id string) Option {
	return func(e *Error) { e.runID = id }
}

// WithField attaches a free-form detail that shows up in LogFields.
func WithField(key, value string) Option {
	return func(e *Error) {
		if e.fields == nil {
			e.fields = make(map[string]string)
		}
		e.fields[key] = value
	}
}

// WithRetryable overrides the code's retry verdict.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// New creates an Error with no cause.
func New(code Code, op string, opts ...Option) *Error {
	e := &Error{code: code, op: op}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assertion reports a broken invariant. Callers panic with it; the panic is
// a programming error, not a runtime condition.
func Assertion(message string, opts ...Option) *Error {
	return New(CodeInternal, "assertion failed: "+message, opts...)
}

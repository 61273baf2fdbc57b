package errors

import (
	"context"
	"errors"
	"strings"
	"testing"
)

var errSentinel = errors.New("task not found")

func TestCode_Retryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeStorage, true},
		{CodeUnavailable, true},
		{CodeTimeout, true},
		{CodeCanceled, false},
		{CodeNotFound, false},
		{CodeInvalid, false},
		{CodeStaleRun, false},
		{CodeConflict, false},
		{CodeClosed, false},
		{CodeInternal, false},
		{CodePanic, false},
		{Code("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if got := tt.code.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
	if Code("").String() != "unknown" {
		t.Errorf("empty code should print as unknown")
	}
}

func TestNew(t *testing.T) {
	err := New(CodeConflict, "emit log", WithTaskID("t1"), WithRunID("r1"))

	if err.Error() != "emit log task t1" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Code() != CodeConflict || err.Op() != "emit log" {
		t.Errorf("unexpected code/op %s/%s", err.Code(), err.Op())
	}
	if err.TaskID() != "t1" || err.RunID() != "r1" {
		t.Errorf("unexpected ids %s/%s", err.TaskID(), err.RunID())
	}
	if err.Unwrap() != nil {
		t.Error("New should have no cause")
	}
}

func TestWithRetryable(t *testing.T) {
	if New(CodeStorage, "x", WithRetryable(false)).Retryable() {
		t.Error("WithRetryable(false) should override the code")
	}
	if !New(CodeInvalid, "x", WithRetryable(true)).Retryable() {
		t.Error("WithRetryable(true) should override the code")
	}
}

func TestWrap_PreservesChain(t *testing.T) {
	err := WrapWithCode(errSentinel, CodeNotFound, "get", WithTaskID("t1"))

	if !errors.Is(err, errSentinel) {
		t.Error("sentinel should be reachable with errors.Is")
	}
	if CodeOf(err) != CodeNotFound {
		t.Errorf("CodeOf = %s, want not_found", CodeOf(err))
	}
	if err.Error() != "get task t1: task not found" {
		t.Errorf("Error() = %q", err.Error())
	}

	// An outer wrap keeps the inner class and identifiers.
	outer := Wrap(err, "status")
	if !Is(outer, CodeNotFound) {
		t.Errorf("outer code = %s, want not_found", CodeOf(outer))
	}
	var e *Error
	if !errors.As(outer, &e) || e.TaskID() != "t1" {
		t.Errorf("outer lost task id: %v", outer)
	}
	if !errors.Is(outer, errSentinel) {
		t.Error("sentinel should survive two wraps")
	}
}

func TestWrap_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"plain wrap is internal", Wrap(errSentinel, "x"), CodeInternal},
		{"plain with code", WrapWithCode(errSentinel, CodeStorage, "x"), CodeStorage},
		{"canceled", WrapWithCode(context.Canceled, CodeStorage, "claim"), CodeCanceled},
		{"deadline", Wrap(context.DeadlineExceeded, "claim"), CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if WrapWithCode(nil, CodeStorage, "x") != nil {
		t.Error("WrapWithCode(nil) should be nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(WrapWithCode(errSentinel, CodeStorage, "claim")) {
		t.Error("storage failure should be retryable")
	}
	if IsRetryable(errSentinel) {
		t.Error("unclassified errors should not be retryable")
	}
	if CodeOf(errSentinel) != "" {
		t.Error("unclassified errors have no code")
	}
}

func TestLogFields(t *testing.T) {
	err := WrapWithCode(errSentinel, CodeStaleRun, "heartbeat",
		WithTaskID("t1"), WithRunID("r1"), WithField("status", "completed"), WithField("code", "shadowed"))

	fields := LogFields(err)
	want := map[string]interface{}{
		"error":     "heartbeat task t1: task not found",
		"code":      "stale_run",
		"retryable": false,
		"task":      "t1",
		"run":       "r1",
		"status":    "completed",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("fields[%q] = %v, want %v", k, fields[k], v)
		}
	}

	plain := LogFields(errSentinel)
	if len(plain) != 1 || plain["error"] != "task not found" {
		t.Errorf("unexpected plain fields %v", plain)
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("nil recovery should yield nil")
	}

	got := RecoverPanic("boom")
	if got.Code() != CodePanic || !strings.HasSuffix(got.Error(), ": boom") {
		t.Errorf("unexpected %s: %q", got.Code(), got.Error())
	}
	if got.LogFields()["panic_type"] != "string" {
		t.Errorf("panic type not recorded: %v", got.LogFields())
	}

	fromErr := RecoverPanic(errSentinel)
	if !errors.Is(fromErr, errSentinel) {
		t.Error("a panicking error should stay in the chain")
	}
}

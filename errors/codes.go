package errors

// Code names a broker failure that callers branch on.
type Code string

const (
	CodeStorage     Code = "storage"     // store call failed
	CodeUnavailable Code = "unavailable" // bus or backend unreachable
	CodeTimeout     Code = "timeout"     // deadline passed
	CodeCanceled    Code = "canceled"    // caller gave up
	CodeNotFound    Code = "not_found"   // no such task
	CodeInvalid     Code = "invalid"     // malformed spec, event or status
	CodeStaleRun    Code = "stale_run"   // run no longer owns its task
	CodeConflict    Code = "conflict"    // transition not allowed from the current state
	CodeClosed      Code = "closed"      // broker or store shut down
	CodeInternal    Code = "internal"    // broken invariant
	CodePanic       Code = "panic"       // recovered from a panicking handler
)

// Retryable reports whether the same call may succeed later. Only failures
// outside the caller's control qualify; a stale run or a bad spec never heals.
func (c Code) Retryable() bool {
	switch c {
	case CodeStorage, CodeUnavailable, CodeTimeout:
		return true
	}
	return false
}

func (c Code) String() string {
	if c == "" {
		return "unknown"
	}
	return string(c)
}

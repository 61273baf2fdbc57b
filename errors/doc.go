// Package errors classifies broker failures.
//
// Every failure leaving the broker is an *Error carrying a Code, the
// operation that failed and, where known, the task and run involved. The
// Code decides retries: storage and transport trouble may clear up, a stale
// run or an invalid spec never will.
//
// # Usage
//
//	if err := st.Heartbeat(ctx, runID); err != nil {
//	    return errors.WrapWithCode(err, errors.CodeStorage, "heartbeat",
//	        errors.WithRunID(runID))
//	}
//
// Callers then branch on the class, or log it whole:
//
//	if errors.Is(err, errors.CodeStaleRun) {
//	    return // another worker owns the task now
//	}
//	logger.Error("claim failed", errors.LogFields(err))
//
// Store sentinels stay reachable through the standard library's errors.Is
// because every Error unwraps to its cause.
package errors

// Package store defines the durable storage contract consumed by the task
// broker, together with the row, event and spec types that cross it.
//
// A Store persists tasks and their append-only event log. The one hard
// requirement on implementations is that ClaimTask is atomic across every
// caller sharing the backend: a task leaves the open state exactly once per
// run, and only the run that claimed it may heartbeat, requeue or finish it.
//
// # Implementations
//
//   - MemoryStore: mutex-guarded maps for tests and single-process brokers.
//   - KVStore: JSON rows in a state.StateStore. Transitions are revision
//     compare-and-sets, so several processes can share a NATS KV bucket.
//   - postgres.Store (subpackage): row-locking claim with SKIP LOCKED.
//
// # Task Lifecycle
//
//	open → processing → completed
//	   ↑        │     → failed
//	   └────────┘     → cancelled
//	  (Requeue)
//
// Each claim assigns a fresh run id. Heartbeat, SetStatus and Requeue are
// fenced by that run id and return ErrStaleRun once the task has moved on.
package store

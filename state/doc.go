// Package state provides the revisioned key-value layer under store.KVStore.
//
// Every entry carries a revision. Create succeeds only for absent keys and
// Update only against the revision the caller last read, which is enough to
// build an atomic claim without a store-wide lock: two processes reading the
// same open task both try to Update it, and exactly one wins.
//
// # Backends
//
//   - NATSStore: NATS JetStream KV (shared across processes)
//   - MemoryStore: in-process map (tests, single process)
//
// # Usage
//
//	kv, _ := state.NewNATSStore(state.NATSStoreConfig{Conn: conn, Bucket: "taskbroker"})
//
//	entry, err := kv.Get(ctx, "broker.task.t1")
//	if err != nil {
//	    return err
//	}
//	next := claim(entry.Value)
//	if _, err := kv.Update(ctx, entry.Key, next, entry.Revision); errors.Is(err, state.ErrConflict) {
//	    // somebody else moved the task first; re-read and decide again
//	}
package state

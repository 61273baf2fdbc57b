// Package broker hands persisted work to exactly one worker and streams
// the worker's progress back to observers.
//
// # Overview
//
// A Broker sits on top of a store.Store. Producers call Dispatch to persist
// a task; workers call Claim, which blocks until the store hands them one,
// and receive a Task: a narrow capability for logging progress and
// reporting the result. Observers call Observe to replay and follow a
// task's event log.
//
//	producer ──Dispatch──> ┌────────┐ <──Claim── worker ──EmitLog/Complete──┐
//	                       │ Broker │                                       │
//	observer <──Observe─── └───┬────┘                                       │
//	                           │                                            │
//	                       ┌───▼────────────────────────────────────────────▼┐
//	                       │                  store.Store                    │
//	                       └─────────────────────────────────────────────────┘
//
// # Dispatch Gate
//
// Claim never spins. A claimer captures the current gate, tries the store,
// and only then waits on the captured gate. Dispatch closes the gate and
// installs a fresh one, so a dispatch landing between a failed attempt and
// the wait still wakes the claimer.
//
// Other broker processes cannot close this gate. Claim also re-polls every
// ClaimInterval, and WithBus turns every dispatch into a bus message that
// releases the gate of every broker subscribed to the same prefix.
//
// # Usage
//
//	b, _ := broker.New(st)
//	defer b.Close()
//
//	id, _ := b.Dispatch(ctx, spec)
//
//	task, _ := b.Claim(ctx)
//	task.EmitLog(ctx, "step 1 done")
//	task.Complete(ctx, store.StatusCompleted)
//
//	sub := b.Observe(ctx, id, 0, func(events []store.Event, prevErr error) error {
//	    for _, ev := range events {
//	        fmt.Println(ev.Seq, ev.Type)
//	    }
//	    return nil
//	})
//	defer sub.Unsubscribe()
package broker

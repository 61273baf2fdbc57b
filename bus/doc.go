// Package bus carries wake-up notifications between broker processes.
//
// # Overview
//
// Brokers sharing a store cannot see each other's in-process dispatch gate.
// A MessageBus lets one process nudge the others: a dispatch publishes on
// DispatchSubject and every claimer releases its local gate, an emitted
// event publishes on EventSubject and observers of that task poll early.
//
// Notifications are hints. Losing one only delays a claimer or observer
// until its next poll interval.
//
// # Available Implementations
//
//   - NATSBus: core NATS pub/sub for multi-process deployments
//   - MemoryBus: in-process fan-out for tests and single binaries
//
// # Usage
//
//	sub, _ := b.Subscribe(bus.DispatchSubject("taskbroker"))
//	for range sub.Messages() {
//	    gate.Release()
//	}
package bus

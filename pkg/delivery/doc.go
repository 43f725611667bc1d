// Package delivery defines the per-subscription delivery abstractions of the relay.
//
// Every subscription owns one bounded (or unbounded) FIFO queue and one delivery
// loop goroutine. Publishers only ever push onto queues; handlers are only ever
// invoked from the owning loop, one message at a time, in publish order.
//
// This package defines:
//   - Handler: the subscriber callback
//   - OverflowPolicy: what a full queue does with the next message
//   - State: the loop's lifecycle state
//   - Observer: the hook used to report deliveries, drops, expiries and failures
//
// A handler that returns an error or panics never stops its loop; the failure is
// reported to the Observer and the next message is delivered.
package delivery

// Package broadcast implements the Broadcast Engine component.
//
// The Broadcast Engine:
//   - Serializes each relayable event once
//   - Selects Open subscribers whose filter matches the event's instrument
//   - Fans the payload out in fixed-size groups under an engine-wide
//     concurrency budget, each send bounded by its own timeout
//   - Collects failures and hands them to the registry for asynchronous pruning
//
// Run drives the engine from one feed's event channel. Events from one feed
// are broadcast strictly in arrival order.
package broadcast

// Package connection implements the Upstream Feed Client component.
//
// The Upstream Feed Client:
//   - Dials one upstream websocket feed and sends the subscribe directive
//   - Decodes every inbound frame into a model.Event
//   - Emits quotes and aggregates on a bounded channel, blocking for backpressure
//   - Tracks liveness from heartbeat frames, pongs and read deadlines
//   - Drops malformed frames without tearing down the connection
//
// The Manager supervises one client per configured feed and reconnects with
// exponential backoff. Feeds never share state.
package connection

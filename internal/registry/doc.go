// Package registry implements the Connection Registry component.
//
// The Connection Registry:
//   - Tracks every downstream subscriber: id, send handle, instrument filter, state
//   - Hands out point-in-time snapshots of Open subscribers for broadcasting
//   - Tears subscribers down (Open -> Closing -> Closed) with a bounded graceful close
//   - Notifies observers of subscriber lifecycle changes (session journal, logs)
//
// It is the single source of truth for who is connected. Sends never happen
// under the registry lock.
package registry

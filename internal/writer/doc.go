// Package writer implements the batched session journal.
//
// SessionWriter observes the subscriber registry and records one row per
// finished session in subscriber_sessions. Lifecycle callbacks never block:
// rows go into a bounded Queue and are flushed by size or on a ticker.
//
// The journal is append-only (ON CONFLICT DO NOTHING).
package writer

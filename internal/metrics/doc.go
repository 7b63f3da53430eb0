// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Upstream frame rates, decode errors and reconnects per feed
//   - Open subscriber count and removals by reason
//   - Broadcast latency, delivered and failed sends by reason
//   - Session journal batch inserts and errors
//
// All recording methods are safe on a nil *Metrics.
package metrics

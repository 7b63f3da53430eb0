// Package server implements the downstream HTTP surface.
//
// Routes:
//   - GET /ws?tickers=eurusd,gbpusd   websocket stream (empty tickers = all instruments)
//   - GET /snapshot/:service          current top-of-book as positional arrays
//   - GET /api/*path                  passthrough to the upstream REST API
//   - GET /health                     subscribers, feed state, engine counters
//
// Each accepted websocket becomes one registry subscriber. The connection's
// send handle serializes writes, so frames from different feeds never
// interleave on the wire.
package server

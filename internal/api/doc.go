// Package api provides the upstream REST client used by the passthrough routes.
//
// Requests are authenticated with "Authorization: Token <key>" and retried on
// 5xx and 429 responses with jittered exponential backoff.
//
// Typed endpoints:
//   - GET /tiingo/fx/top      (top-of-book quotes for currency pairs)
//   - GET /tiingo/crypto/top  (top-of-book quotes for crypto pairs)
package api

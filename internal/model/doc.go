// Package model defines the tick types relayed by the service.
//
// An Event is one decoded upstream frame. Frames are JSON arrays whose first
// element is a one-letter type tag:
//
//	["Q", serviceId, symbol, timestampNanos, bidSize, bidPrice, midPrice, askSize, askPrice]
//	["A", serviceId, symbol, timestampNanos, open, high, low, close, volume]
//	["H", ...]            heartbeat
//	["I", message, ...]   info
//	["E", message, ...]   error
//
// Conventions:
//   - Instruments: lowercase symbols (e.g. "eurusd", "btcusd")
//   - Timestamps: time.Time with nanosecond precision
//   - Prices and sizes: decimal.Decimal, JSON null decodes to zero
//   - Events are immutable once decoded and safe to share across goroutines
package model

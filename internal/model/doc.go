// Package model defines shared data types used across the relay.
//
// Conventions:
//   - Account IDs: int64, as assigned by the trading backend
//   - Market symbols: "BASE_QUOTE" strings (e.g. "BTC_USDT")
//   - Event payloads: raw JSON, forwarded to the sink verbatim
package model

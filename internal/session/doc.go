// Package session owns the realtime connection lifecycle for one account.
//
// A Session drives connect → authorize → subscribe → stream → keep-alive,
// reconnecting with exponential backoff on transport loss and re-fetching
// the short-lived token on every attempt. Market-set changes while the
// connection is live produce incremental subscribe/unsubscribe messages
// instead of a full resubscription.
package session

// Package renewer proactively refreshes the session before the access token expires.
//
// A [Renewer] polls the stored access token on a fixed interval. When the token is
// within the configured window of its expiry (or cannot be decoded) it asks the
// shared refresh coordinator for a new pair. Transient refresh failures keep the
// loop running; a definitive failure stops it and fires OnAuthFailure.
//
// # What this package must NOT do
//
//   - Perform HTTP itself; all exchanges go through the coordinator.
//   - Clear the session; the coordinator owns that decision.
package renewer

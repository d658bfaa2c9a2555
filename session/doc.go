// Package session provides durable persistence of the client's access/refresh token
// pair behind a small key/value [Backend] capability.
//
// # Storage model
//
// The pair is stored under two fixed keys, [AccessKey] and [RefreshKey]. Writes and
// deletes always touch both keys in a single backend call, so a successful
// [Store.SetSession] or [Store.Clear] never leaves only one token behind. The
// logged-out state is defined once: both keys absent.
//
// # Backends
//
//   - [MemoryBackend]: process-local, for tests and ephemeral sessions.
//   - [NopBackend]: used when no persistence exists; reads are empty, writes no-op.
//   - [FileBackend]: JSON file written atomically; survives process restarts.
//   - [RedisBackend]: shared Redis keyspace, pair writes in one MULTI.
//
// # What this package must NOT do
//
//   - Decode or validate token contents (see package jwt).
//   - Perform network calls other than the configured backend.
//   - Import agendador, refresh, or gateway.
package session

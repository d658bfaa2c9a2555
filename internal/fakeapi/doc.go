// Package fakeapi is an in-process stand-in for the agendador backend's auth
// surface. It serves /auth/pubkey, /auth/login, /auth/register and /auth/refresh
// with rotating refresh tokens, plus a few bearer-protected routes, so the client
// can be exercised end to end in tests, the refresh-storm harness and the
// embedding example.
//
// # What this package must NOT do
//
//   - Be imported by non-internal library code; it exists for tests and tools.
//   - Persist anything; all state is in memory.
package fakeapi

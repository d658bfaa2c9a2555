// Package agendador is the client-side session core of the agendador scheduling
// application: token storage, proactive renewal, single-flight refresh-on-401, and
// field encryption for login and registration payloads.
//
// A [Client] is built once through [Builder.Build] and is safe for concurrent use.
// It wires exactly one refresh coordinator and shares it between the background
// renewer and the request gateway, so a timer tick racing a 401 still produces a
// single call to /auth/refresh.
//
// # Architecture boundaries
//
// agendador is the public surface. It exposes [Client], [Builder], [Config], the
// metrics and audit types, and re-exports the sentinel errors callers match on.
// Storage backends live in package session, token decoding in package jwt, and
// the HTTP flows in packages refresh, gateway, and encryption.
//
// # What this package must NOT do
//
//   - Render UI or navigate; "go to login" is the OnAuthFailure callback.
//   - Model application resources (events, users); [Client.Do] is generic.
//   - Construct a second refresh coordinator for the same store.
package agendador

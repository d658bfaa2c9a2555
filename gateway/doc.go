// Package gateway performs authenticated API calls on behalf of the client.
//
// # Request flow
//
// Every call through [Gateway.Do] is one logical request that may reach the network
// at most twice:
//
//  1. Authentication endpoints (login, register, refresh, pubkey) are sent as-is:
//     no bearer token and no retry.
//  2. Other paths carry "Authorization: Bearer <access token>" when one is stored.
//  3. A 401 on the first attempt triggers one refresh through the shared
//     coordinator, then one retry with the token read from the store after the
//     refresh. Any further 401, a failed refresh, or a fully logged-out store ends
//     in [ErrAuthRequired] and the OnAuthFailure callback.
//
// Both attempts carry the same X-Request-ID so server logs can correlate them.
//
// # Failure taxonomy
//
// HTTP failures are returned as [*APIError] with the status and the decoded body.
// Connectivity failures use Status 0 and match [ErrConnectivity]. A cancelled
// context is returned unchanged.
//
// # What this package must NOT do
//
//   - Navigate or render; it only signals through OnAuthFailure.
//   - Decide whether a refresh clears the session (see package refresh).
package gateway

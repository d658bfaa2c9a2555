// Package refresh exchanges the stored refresh token for a new token pair and
// collapses concurrent callers into a single network exchange.
//
// # Single flight
//
// A [Coordinator] owns a singleflight group. While an exchange is running every
// other caller of [Coordinator.Refresh] waits for, and receives, that exchange's
// result; the next call after it completes starts a new exchange. The background
// renewer and the request gateway must share one Coordinator for this to hold.
//
// # Outcomes
//
//   - success: both tokens are replaced in the store in one write;
//   - HTTP rejection (any non-2xx): the stored session is cleared and
//     [ErrRefreshRejected] is returned;
//   - transport or decoding failure: the session is kept and
//     [ErrRefreshUnavailable] is returned, so a later attempt can succeed;
//   - no refresh token stored: [ErrNoRefreshToken], no network call.
//
// # What this package must NOT do
//
//   - Attach bearer tokens or retry requests (see package gateway).
//   - Schedule renewals (see package renewer).
package refresh

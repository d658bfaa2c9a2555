// Package jwt decodes the claims embedded in bearer access tokens so the client can
// decide when to renew them.
//
// Decoding is deliberately unverified: the payload segment is base64-decoded and
// parsed as JSON, and any failure yields nil claims. Callers treat nil claims, or
// claims without exp, as already expired, so a broken token always leads to renewal
// and never to a false "still valid".
//
// # What this package must NOT do
//
//   - Accept a token as authentic; signature checks belong to the server.
//   - Perform I/O or read stored tokens.
package jwt

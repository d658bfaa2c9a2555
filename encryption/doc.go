// Package encryption fetches the server's public key and encrypts individual
// payload fields with RSA-OAEP (SHA-256).
//
// The key is fetched from /auth/pubkey on first use and cached. Concurrent first
// callers share a single fetch, and a failed fetch is not cached. By default the
// cache lives as long as the [Bootstrap]; a TTL or an explicit [Bootstrap.Invalidate]
// forces a re-fetch, e.g. after the server rotates its key.
//
// Every ciphertext is returned together with the key id (kid) so the server can
// select the matching private key.
package encryption

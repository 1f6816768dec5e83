// Package token holds the opaque-token primitives: minting app-install
// capability tokens and device-code state, hashing refresh tokens for
// server-side storage, and short fingerprints for logs.
//
// Refresh-token hashing uses HMAC-SHA256 when a key is configured
// (CLASSWORKS_TOKEN_HMAC_KEY) and falls back to SHA-256 otherwise. Output is
// always 64-char hex.
package token

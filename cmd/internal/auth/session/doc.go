// Package session implements the account token lifecycle.
//
// An account holds one live refresh token (stored as a keyed hash) and a
// monotonically increasing token version. Access and refresh tokens embed the
// version they were minted under; bumping it revokes every outstanding token
// at the next validation. Refresh does not rotate the refresh token.
//
// Transport (HTTP/WS) integration lives in the resolve and authapi packages.
package session

// Package session implements the vault's session model.
//
// A session is one login lineage. Refresh tokens are opaque random strings whose
// hash (SHA-256, or HMAC-SHA256 when VAULT_TOKEN_HMAC_KEY is set) is the only
// server state; the raw token is never persisted.
//
// Every rotation creates a new row linked to its predecessor (parent) and marks
// the predecessor ROTATED (revoked_at + replaced_by). Rows never come back to
// life. Presenting a rotated token again is treated as theft: the whole lineage
// is revoked (or every session of the user, if configured).
//
// Transport (HTTP/WS) integration lives in auth/gateway and auth/api.
package session

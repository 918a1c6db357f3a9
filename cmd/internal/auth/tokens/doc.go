// Package tokens is the vault's Token Service.
//
// Every token is an HS256 JWT signed with the process-wide secret loaded once at
// startup. Three purposes share the format and are told apart by the "type"
// claim: short-lived access tokens bound to a session id, email confirmation
// tokens, and password-reset tokens carrying the server-tracked reset id.
//
// Refresh tokens are NOT issued here. They are opaque random strings owned by the
// session package, where the stored hash is the only source of truth.
package tokens

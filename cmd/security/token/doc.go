// Package token provides hashing and generation of opaque bearer secrets.
//
// It is the single source of truth for how refresh tokens and API keys are stored:
//   - SHA-256(token) hex when no HMAC key is configured;
//   - HMAC-SHA256(token, key) hex when VAULT_TOKEN_HMAC_KEY is set.
//
// Output is always 64 hex chars, suitable for unique indexes and constant-time comparison.
package token

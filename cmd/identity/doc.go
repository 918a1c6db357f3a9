// Package identity is the credential store: users, password verification and the
// email-confirmation / password-reset lifecycle.
//
// Persistence goes through Store (Postgres or in-memory). Action tokens, session
// revocation and notification delivery are injected collaborators.
package identity

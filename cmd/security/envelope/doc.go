// Package envelope implements two-tier symmetric encryption for user secrets.
//
// A process-wide master key wraps one random data encryption key (DEK) per user;
// the DEK encrypts that user's TOTP secrets. Both layers use AES-256-GCM.
//
// The master key is loaded once at startup and is read-only afterwards. There is no
// rotation procedure: losing the master key makes every stored secret unrecoverable.
package envelope

// Package password provides password hashing and the registration password policy.
//
// Hashes are Argon2id in a PHC-like encoded string:
//
//	$argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
//
// Encoded hashes are treated as untrusted input during Verify; parameters far above the
// configured cost are refused.
package password

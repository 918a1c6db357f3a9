package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "VAULT_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the minimum accepted HMAC key size.
	MinHMACKeyBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Hasher hashes bearer secrets for storage. The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. A nil or empty key selects SHA-256 mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// HasherFromEnv builds a Hasher from VAULT_TOKEN_HMAC_KEY; unset means SHA-256 mode.
func HasherFromEnv() (Hasher, error) {
	key, err := HMACKeyFromEnv(MinHMACKeyBytes)
	switch {
	case err == nil:
		return NewHasher(key), nil
	case errors.Is(err, ErrHMACKeyMissing):
		return Hasher{}, nil
	default:
		return Hasher{}, err
	}
}

// HMAC reports whether the hasher is keyed.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex storage form of s.
func (h Hasher) Hash(s string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(s)
	}
	return HashHMACSHA256Hex(s, h.key)
}

// NewOpaque returns nBytes of crypto randomness as unpadded base64url.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = 32
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

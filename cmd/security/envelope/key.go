package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key size used for the master key and every DEK.
const KeySize = 32

const hkdfInfo = "otpvault/envelope/master-key/v1"

// ParseMasterKey accepts a ready-made key (base64 or hex of exactly 32 bytes) or
// arbitrary raw bytes, which are stretched to a 32-byte key with HKDF-SHA256.
func ParseMasterKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, opErr("ParseMasterKey", ErrMasterKeyMissing)
	}

	for _, dec := range []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		base64.RawURLEncoding.DecodeString,
		hex.DecodeString,
	} {
		if b, err := dec(raw); err == nil && len(b) == KeySize {
			return b, nil
		}
	}

	if len(raw) < 16 {
		return nil, opErr("ParseMasterKey", fmt.Errorf("raw master key must be at least 16 bytes"))
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, []byte(raw), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, opErr("ParseMasterKey", err)
	}
	return key, nil
}

// GenerateKey returns a fresh random 32-byte key in standard base64.
func GenerateKey() (string, error) {
	b := make([]byte, KeySize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

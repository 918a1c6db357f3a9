package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Stored ciphertexts are "v1." + base64(nonce || sealed).
const formatPrefix = "v1."

// DEK is an unwrapped per-user data encryption key. It never leaves process memory.
type DEK struct {
	aead cipher.AEAD
}

// Manager owns the master key. It is safe for concurrent use.
type Manager struct {
	master cipher.AEAD
}

// NewManager builds a Manager from a 32-byte master key.
func NewManager(masterKey []byte) (*Manager, error) {
	if len(masterKey) != KeySize {
		return nil, opErr("NewManager", fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey)))
	}
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, opErr("NewManager", err)
	}
	return &Manager{master: aead}, nil
}

// NewManagerFromString parses raw with ParseMasterKey and builds a Manager.
func NewManagerFromString(raw string) (*Manager, error) {
	key, err := ParseMasterKey(raw)
	if err != nil {
		return nil, err
	}
	return NewManager(key)
}

// WrapNewUserKey generates a fresh DEK and returns it encrypted under the master key.
func (m *Manager) WrapNewUserKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", opErr("WrapNewUserKey", err)
	}
	wrapped, err := seal(m.master, key)
	if err != nil {
		return "", opErr("WrapNewUserKey", err)
	}
	return wrapped, nil
}

// Unwrap decrypts a stored DEK. A wrong master key or corrupt value yields an *Error.
func (m *Manager) Unwrap(wrapped string) (DEK, error) {
	key, err := open(m.master, wrapped)
	if err != nil {
		return DEK{}, opErr("Unwrap", err)
	}
	if len(key) != KeySize {
		return DEK{}, opErr("Unwrap", ErrMalformed)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return DEK{}, opErr("Unwrap", err)
	}
	return DEK{aead: aead}, nil
}

// EncryptSecret encrypts plaintext under dek.
func EncryptSecret(dek DEK, plaintext []byte) (string, error) {
	if dek.aead == nil {
		return "", opErr("EncryptSecret", fmt.Errorf("zero DEK"))
	}
	out, err := seal(dek.aead, plaintext)
	if err != nil {
		return "", opErr("EncryptSecret", err)
	}
	return out, nil
}

// DecryptSecret decrypts a value produced by EncryptSecret.
func DecryptSecret(dek DEK, ciphertext string) ([]byte, error) {
	if dek.aead == nil {
		return nil, opErr("DecryptSecret", fmt.Errorf("zero DEK"))
	}
	out, err := open(dek.aead, ciphertext)
	if err != nil {
		return nil, opErr("DecryptSecret", err)
	}
	return out, nil
}

// Result is a per-item decryption outcome for listings: one corrupt item
// must not prevent the rest from rendering.
type Result struct {
	Plain []byte
	Err   error
}

// OK reports whether decryption succeeded.
func (r Result) OK() bool { return r.Err == nil }

// DecryptAll decrypts each ciphertext independently.
func DecryptAll(dek DEK, ciphertexts []string) []Result {
	out := make([]Result, len(ciphertexts))
	for i, ct := range ciphertexts {
		p, err := DecryptSecret(dek, ct)
		out[i] = Result{Plain: p, Err: err}
	}
	return out
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, plaintext []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return formatPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func open(aead cipher.AEAD, stored string) ([]byte, error) {
	body, ok := strings.CutPrefix(stored, formatPrefix)
	if !ok {
		return nil, ErrMalformed
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrMalformed
	}
	ns := aead.NonceSize()
	if len(raw) < ns+aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

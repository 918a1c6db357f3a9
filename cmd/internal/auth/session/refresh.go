package session

import "otpvault/cmd/security/token"

// newOpaqueRefreshToken returns a URL-safe random token and its storage hash.
func newOpaqueRefreshToken(nBytes int, h token.Hasher) (plain string, hashHex string, err error) {
	plain, err = token.NewOpaque(nBytes)
	if err != nil {
		return "", "", err
	}
	return plain, h.Hash(plain), nil
}

package app

import (
	"errors"
	"fmt"

	"otpvault/cmd/internal/auth/tokens"
	"otpvault/cmd/security/envelope"
	"otpvault/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// The server refuses to start without a usable master key and token secret;
// silently falling back to a generated key would orphan every stored secret
// on the next restart.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := envelope.ParseMasterKey(cfg.MasterKey); err != nil {
		if errors.Is(err, envelope.ErrMasterKeyMissing) {
			return errors.New("security policy: VAULT_MASTER_KEY is missing")
		}
		return fmt.Errorf("security policy: VAULT_MASTER_KEY: %w", err)
	}

	if _, err := tokens.LoadConfigFromEnv(); err != nil {
		return fmt.Errorf("security policy: VAULT_TOKEN_SECRET: %w", err)
	}

	// Optional, but a configured key that is too short is an operator mistake.
	if _, err := token.HMACKeyFromEnv(token.MinHMACKeyBytes); err != nil && !errors.Is(err, token.ErrHMACKeyMissing) {
		if errors.Is(err, token.ErrHMACKeyTooShort) {
			return fmt.Errorf("security policy: %s is too short (min %d bytes)", token.HMACEnvKey, token.MinHMACKeyBytes)
		}
		return err
	}

	return nil
}

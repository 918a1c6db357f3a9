package tokens

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// MinSecretBytes is the minimum HMAC secret length accepted for HS256.
const MinSecretBytes = 32

// Config controls the Token Service.
type Config struct {
	// Secret is the HS256 signing key. Read-only after startup.
	Secret []byte

	// Issuer is set as "iss" and enforced on verify.
	Issuer string

	AccessTTL  time.Duration
	ConfirmTTL time.Duration
	ResetTTL   time.Duration

	// ClockSkew is tolerated on exp/iat checks.
	ClockSkew time.Duration
}

// DefaultConfig returns defaults without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:     "otpvault",
		AccessTTL:  60 * time.Minute,
		ConfirmTTL: 24 * time.Hour,
		ResetTTL:   time.Hour,
		ClockSkew:  30 * time.Second,
	}
}

// AccessAcceptance is how long after issue an access token still verifies:
// its TTL plus the exp leeway. Denylist entries must live at least this long.
func (c Config) AccessAcceptance() time.Duration { return c.AccessTTL + c.ClockSkew }

// Validate checks invariants.
func (c Config) Validate() error {
	if len(c.Secret) < MinSecretBytes {
		return fmt.Errorf("%w: secret must be at least %d bytes", ErrConfig, MinSecretBytes)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("%w: empty issuer", ErrConfig)
	}
	if c.AccessTTL <= 0 || c.ConfirmTTL <= 0 || c.ResetTTL <= 0 {
		return fmt.Errorf("%w: ttl must be positive", ErrConfig)
	}
	if c.ClockSkew < 0 || c.ClockSkew > 5*time.Minute {
		return fmt.Errorf("%w: clock skew out of range", ErrConfig)
	}
	return nil
}

// LoadConfigFromEnv reads the Token Service configuration.
//
// Required:
//   - VAULT_TOKEN_SECRET (>= 32 bytes)
//
// Optional (Go durations):
//   - VAULT_AUTH_ISSUER
//   - VAULT_ACCESS_TTL
//   - VAULT_CONFIRM_TTL
//   - VAULT_RESET_TTL
//   - VAULT_CLOCK_SKEW
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	cfg.Secret = []byte(strings.TrimSpace(os.Getenv("VAULT_TOKEN_SECRET")))

	if v := strings.TrimSpace(os.Getenv("VAULT_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"VAULT_ACCESS_TTL", &cfg.AccessTTL},
		{"VAULT_CONFIRM_TTL", &cfg.ConfirmTTL},
		{"VAULT_RESET_TTL", &cfg.ResetTTL},
		{"VAULT_CLOCK_SKEW", &cfg.ClockSkew},
	} {
		v := strings.TrimSpace(os.Getenv(d.key))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", ErrConfig, d.key, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

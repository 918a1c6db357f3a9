package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config defines the runtime configuration for the session subsystem.
type Config struct {
	// RefreshTTL is the lifetime of each session row (and its refresh token).
	RefreshTTL time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	// ReuseGrace is how long after a rotation the old token is treated as a lost
	// concurrent race (rejected, no escalation) rather than reuse.
	ReuseGrace time.Duration

	// ReuseRevokesAll escalates detected reuse to every session of the user
	// instead of only the affected lineage.
	ReuseRevokesAll bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RefreshTTL:        30 * 24 * time.Hour,
		RefreshTokenBytes: 32,
		ReuseGrace:        5 * time.Second,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional:
//   - VAULT_REFRESH_TTL (Go duration)
//   - VAULT_REFRESH_TOKEN_BYTES (32..64)
//   - VAULT_REUSE_GRACE (Go duration, 0..1m)
//   - VAULT_REUSE_REVOKE_ALL (bool)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("VAULT_REFRESH_TTL")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTL = d
	}

	if v := strings.TrimSpace(os.Getenv("VAULT_REFRESH_TOKEN_BYTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	if v := strings.TrimSpace(os.Getenv("VAULT_REUSE_GRACE")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 || d > time.Minute {
			return Config{}, ErrConfig
		}
		cfg.ReuseGrace = d
	}

	if v := strings.TrimSpace(os.Getenv("VAULT_REUSE_REVOKE_ALL")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ErrConfig
		}
		cfg.ReuseRevokesAll = b
	}

	return cfg, nil
}

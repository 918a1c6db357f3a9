package password

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultMinLength is the registration minimum password length.
const DefaultMinLength = 10

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation.
type Policy struct {
	MinLength     int
	MaxLength     int
	RequireDigit  bool
	RequireUpper  bool
	RequireLower  bool
	RequireSymbol bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the vetted default cost and the registration policy.
func DefaultConfig() Config {
	// Clamp to [1..4] to keep resource usage predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:     DefaultMinLength,
			MaxLength:     256,
			RequireDigit:  true,
			RequireUpper:  true,
			RequireLower:  true,
			RequireSymbol: true,
		},
	}
}

// TestConfig returns a cheap configuration for unit tests in dependent packages.
func TestConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

// FromEnv loads config from environment variables.
//
// Env surface:
//   - VAULT_PASSWORD_MIN_LEN
//   - VAULT_PASSWORD_MAX_LEN
//   - VAULT_ARGON2_MEMORY_KIB
//   - VAULT_ARGON2_ITERATIONS
//   - VAULT_ARGON2_PARALLELISM
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("VAULT_PASSWORD_MIN_LEN"); ok {
		n, err := atoiRange(v, 1, 1024)
		if err != nil {
			return Config{}, fmt.Errorf("VAULT_PASSWORD_MIN_LEN: %w", err)
		}
		cfg.Policy.MinLength = n
	}

	if v, ok := os.LookupEnv("VAULT_PASSWORD_MAX_LEN"); ok {
		n, err := atoiRange(v, 1, 4096)
		if err != nil {
			return Config{}, fmt.Errorf("VAULT_PASSWORD_MAX_LEN: %w", err)
		}
		cfg.Policy.MaxLength = n
	}

	if v, ok := os.LookupEnv("VAULT_ARGON2_MEMORY_KIB"); ok {
		u, err := atou32(v, 8*1024, 1024*1024) // 8 MiB .. 1 GiB
		if err != nil {
			return Config{}, fmt.Errorf("VAULT_ARGON2_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = u
	}

	if v, ok := os.LookupEnv("VAULT_ARGON2_ITERATIONS"); ok {
		u, err := atou32(v, 1, 20)
		if err != nil {
			return Config{}, fmt.Errorf("VAULT_ARGON2_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = u
	}

	if v, ok := os.LookupEnv("VAULT_ARGON2_PARALLELISM"); ok {
		u, err := atou32(v, 1, 64)
		if err != nil {
			return Config{}, fmt.Errorf("VAULT_ARGON2_PARALLELISM: %w", err)
		}
		if u > math.MaxUint8 {
			return Config{}, fmt.Errorf("VAULT_ARGON2_PARALLELISM: out of range")
		}
		cfg.Params.Parallelism = uint8(u)
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}

func atoiRange(s string, minVal, maxVal int) (int, error) {
	i64, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i := int(i64)
	if i < minVal || i > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return i, nil
}

func atou32(s string, minVal, maxVal uint32) (uint32, error) {
	u64, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned integer")
	}
	u := uint32(u64)
	if u < minVal || u > maxVal {
		return 0, fmt.Errorf("out of range [%d..%d]", minVal, maxVal)
	}
	return u, nil
}

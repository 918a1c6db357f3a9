package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"otpvault/cmd/internal/auth/gateway"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// BaseURL is the public origin; confirmation and reset links point here.
	BaseURL string

	Cookies gateway.CookieConfig
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:   envBool("VAULT_AUTH_TRUST_PROXY", false),
		MaxBodyBytes: envInt64("VAULT_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		BaseURL:      strings.TrimRight(envString("VAULT_BASE_URL", "http://localhost:8080"), "/"),
		Cookies:      gateway.DefaultCookieConfig(),
	}

	c := &cfg.Cookies
	c.AccessName = envString("VAULT_AUTH_ACCESS_COOKIE_NAME", c.AccessName)
	c.RefreshName = envString("VAULT_AUTH_REFRESH_COOKIE_NAME", c.RefreshName)
	c.CSRFName = envString("VAULT_AUTH_CSRF_COOKIE_NAME", c.CSRFName)
	c.CSRFHeader = envString("VAULT_AUTH_CSRF_HEADER", c.CSRFHeader)
	c.Domain = envString("VAULT_AUTH_COOKIE_DOMAIN", c.Domain)
	c.Secure = envBool("VAULT_AUTH_COOKIE_SECURE", c.Secure)
	if v := strings.TrimSpace(os.Getenv("VAULT_AUTH_COOKIE_SAMESITE")); v != "" {
		c.SameSite = parseSameSite(v)
	}

	// Guardrails: cookie names must not collide and SameSite=None is only
	// honored by browsers on secure cookies.
	if c.CSRFName == c.RefreshName || c.CSRFName == c.AccessName {
		c.CSRFName = gateway.DefaultCookieConfig().CSRFName
	}
	if c.AccessName == c.RefreshName {
		c.AccessName = gateway.DefaultCookieConfig().AccessName
		c.RefreshName = gateway.DefaultCookieConfig().RefreshName
	}
	if c.SameSite == http.SameSiteNoneMode {
		c.Secure = true
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return cfg
}

func parseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	case "default":
		return http.SameSiteDefaultMode
	default:
		return http.SameSiteLaxMode
	}
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

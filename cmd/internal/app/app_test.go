package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"otpvault/cmd/internal/auth/tokens"
	"otpvault/cmd/security/envelope"
)

const testTokenSecret = "app-test-token-secret-0123456789abcdef"

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":8080", want: "http://127.0.0.1:8080"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://vault.example.com", want: "wss://vault.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func securityEnv(t *testing.T) Config {
	t.Helper()
	key, err := envelope.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t.Setenv("VAULT_MASTER_KEY", key)
	t.Setenv("VAULT_TOKEN_SECRET", testTokenSecret)
	t.Setenv("VAULT_TOKEN_HMAC_KEY", "")
	t.Setenv("VAULT_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("VAULT_ARGON2_ITERATIONS", "1")
	t.Setenv("VAULT_DATABASE_URL", "")
	t.Setenv("VAULT_REDIS_URL", "")
	t.Setenv("VAULT_SMTP_HOST", "")

	cfg := LoadConfig()
	cfg.MetricsEnabled = true
	return cfg
}

func TestValidateSecurityConfig(t *testing.T) {
	cfg := securityEnv(t)
	if err := ValidateSecurityConfig(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	missing := cfg
	missing.MasterKey = ""
	if err := ValidateSecurityConfig(missing); err == nil || !strings.Contains(err.Error(), "VAULT_MASTER_KEY") {
		t.Fatalf("expected missing master key error, got %v", err)
	}

	t.Setenv("VAULT_TOKEN_SECRET", "short")
	if err := ValidateSecurityConfig(cfg); err == nil || !strings.Contains(err.Error(), "VAULT_TOKEN_SECRET") {
		t.Fatalf("expected short token secret error, got %v", err)
	}

	t.Setenv("VAULT_TOKEN_SECRET", testTokenSecret)
	t.Setenv("VAULT_TOKEN_HMAC_KEY", "too-short")
	if err := ValidateSecurityConfig(cfg); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("expected short hmac key error, got %v", err)
	}
}

func TestLoadEnvFiles_YAMLDefaultsEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.yaml")
	doc := `
http:
  addr: ":9191"
log_level: debug
cors:
  allowed_origins: ["https://a.example.com", "https://b.example.com"]
db:
  max_conns: 4
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	for _, k := range []string{"VAULT_HTTP_ADDR", "VAULT_CORS_ALLOWED_ORIGINS", "VAULT_DB_MAX_CONNS"} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
	t.Setenv("VAULT_LOG_LEVEL", "warn")

	// t.Chdir keeps a stray .env in the working directory out of the picture.
	t.Chdir(dir)

	if err := LoadEnvFiles(path); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	cfg := LoadConfig()

	if cfg.HTTPAddr != ":9191" {
		t.Fatalf("HTTPAddr=%q want :9191", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel=%q want env value warn", cfg.LogLevel)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.DBMaxConns != 4 {
		t.Fatalf("DBMaxConns=%d want 4", cfg.DBMaxConns)
	}

	if err := LoadEnvFiles(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

type client struct {
	t       *testing.T
	h       http.Handler
	cookies map[string]*http.Cookie
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	c.h.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		c.cookies[ck.Name] = ck
	}
	return rec
}

func TestApp_InMemoryEndToEnd(t *testing.T) {
	cfg := securityEnv(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)

	c := &client{t: t, h: a.Handler(), cookies: map[string]*http.Cookie{}}

	rec := c.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz=%d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}
	if rec := c.do(http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz=%d", rec.Code)
	}

	if rec := c.do(http.MethodGet, "/totp", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /totp=%d want 401", rec.Code)
	}

	rec = c.do(http.MethodPost, "/auth/register", map[string]string{"email": "carol@example.com", "password": "Abcdef123!x"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register=%d body=%s", rec.Code, rec.Body.String())
	}
	var reg struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &reg); err != nil || reg.User.ID == "" {
		t.Fatalf("register body: %v %s", err, rec.Body.String())
	}

	creds := map[string]string{"email": "carol@example.com", "password": "Abcdef123!x"}
	if rec := c.do(http.MethodPost, "/auth/login", creds); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unverified login=%d want 401", rec.Code)
	}

	// The confirmation mail goes to the log sink; mint the same token directly.
	tcfg := tokens.DefaultConfig()
	tcfg.Secret = []byte(testTokenSecret)
	toks, err := tokens.NewService(tcfg)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	confirm, err := toks.IssueEmailConfirmation(reg.User.ID, time.Now())
	if err != nil {
		t.Fatalf("issue confirmation: %v", err)
	}
	if rec := c.do(http.MethodPost, "/auth/confirm", map[string]string{"token": confirm}); rec.Code != http.StatusOK {
		t.Fatalf("confirm=%d body=%s", rec.Code, rec.Body.String())
	}

	if rec := c.do(http.MethodPost, "/auth/login", creds); rec.Code != http.StatusOK {
		t.Fatalf("login=%d body=%s", rec.Code, rec.Body.String())
	}
	if c.cookies["access_token"] == nil || c.cookies["refresh_token"] == nil {
		t.Fatalf("login did not set session cookies: %v", c.cookies)
	}

	rec = c.do(http.MethodPost, "/totp", map[string]string{"account": "carol", "issuer": "Example", "secret": "JBSWY3DPEHPK3PXP"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create item=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/totp", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list=%d", rec.Code)
	}
	var list struct {
		Items []struct {
			Account string `json:"account"`
			Code    string `json:"code"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("list body: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Account != "carol" || len(list.Items[0].Code) != 6 {
		t.Fatalf("unexpected listing: %s", rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics=%d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `vault_http_requests_total{method="POST",route="/auth/login",status="200"}`) {
		t.Fatalf("metrics missing login request counter")
	}
	if !strings.Contains(rec.Body.String(), `vault_auth_events_total{event="login_success"}`) {
		t.Fatalf("metrics missing login_success event")
	}
}

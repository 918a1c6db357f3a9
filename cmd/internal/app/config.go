package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains the server runtime configuration loaded from environment variables.
// Service-level settings (tokens, sessions, cookies, SMTP) are read by their own packages.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	AutoMigrate bool

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// RedisURL selects the Redis session denylist; empty keeps it in-process.
	RedisURL    string
	RedisPrefix string

	MasterKey string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VAULT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VAULT_LOG_LEVEL", "info"),
		LogFormat: EnvString("VAULT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("VAULT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VAULT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VAULT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VAULT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("VAULT_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("VAULT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("VAULT_DATABASE_URL", ""),
		DBSchema:    EnvString("VAULT_DB_SCHEMA", "vault"),
		DBMaxConns:  EnvInt32("VAULT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("VAULT_DB_MIN_CONNS", 0),
		AutoMigrate: EnvBool("VAULT_AUTO_MIGRATE", false),

		ReadinessRequireDB: EnvBool("VAULT_READINESS_REQUIRE_DB", false),

		RedisURL:    EnvString("VAULT_REDIS_URL", ""),
		RedisPrefix: EnvString("VAULT_REDIS_PREFIX", "vault:revoked:"),

		MasterKey: EnvString("VAULT_MASTER_KEY", ""),

		CORSAllowedOrigins:   EnvCSV("VAULT_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("VAULT_CORS_ALLOW_CREDENTIALS", true),
		CORSMaxAgeSeconds:    EnvInt("VAULT_CORS_MAX_AGE_SECONDS", 600),

		MetricsEnabled: EnvBool("VAULT_METRICS_ENABLED", true),
	}
}

// LoadEnvFiles prepares the process environment before LoadConfig runs.
//
// Order of precedence, highest first: real environment, .env, the YAML file.
// A missing .env is ignored; a YAML path that was asked for must exist.
// configPath falls back to VAULT_CONFIG_FILE.
func LoadEnvFiles(configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: .env: %w", err)
	}

	if strings.TrimSpace(configPath) == "" {
		configPath = strings.TrimSpace(os.Getenv("VAULT_CONFIG_FILE"))
	}
	if configPath == "" {
		return nil
	}

	b, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	vals, err := parseConfigYAML(b)
	if err != nil {
		return fmt.Errorf("config: %s: %w", configPath, err)
	}
	for k, v := range vals {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// parseConfigYAML flattens a YAML document into VAULT_* variables.
// Nested keys are joined with "_", so
//
//	http:
//	  addr: ":9090"
//
// yields VAULT_HTTP_ADDR=:9090. Lists become comma-separated values.
func parseConfigYAML(b []byte) (map[string]string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := flattenYAML(out, "", doc); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenYAML(out map[string]string, prefix string, node map[string]any) error {
	for k, v := range node {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch tv := v.(type) {
		case map[string]any:
			if err := flattenYAML(out, key, tv); err != nil {
				return err
			}
			continue
		case nil:
			continue
		}
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if !strings.HasPrefix(key, "VAULT_") {
			key = "VAULT_" + key
		}
		out[key] = s
	}
	return nil
}

func scalarString(v any) (string, error) {
	switch tv := v.(type) {
	case string:
		return tv, nil
	case bool:
		return strconv.FormatBool(tv), nil
	case int:
		return strconv.Itoa(tv), nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), nil
	case time.Time:
		return tv.Format(time.RFC3339), nil
	case []any:
		parts := make([]string, 0, len(tv))
		for _, item := range tv {
			s, err := scalarString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

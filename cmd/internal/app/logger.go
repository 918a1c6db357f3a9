package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Logger is the app-wide logger type (slog).
type Logger = *slog.Logger

// NewLogger creates a structured logger with an explicit level and installs it
// as the slog default. format is "json" (default) or "pretty" for the console handler.
func NewLogger(level, format string) *slog.Logger {
	log := slog.New(newHandler(os.Stdout, level, format, colorEnabled(os.Stdout)))
	slog.SetDefault(log)
	return log
}

func newHandler(w io.Writer, level, format string, color bool) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLogLevel(level),
		AddSource:   true,
		ReplaceAttr: redactSecrets,
	}
	if strings.EqualFold(strings.TrimSpace(format), "pretty") {
		return newConsoleHandler(w, opts, color)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorEnabled honours NO_COLOR and only colours real terminals.
func colorEnabled(f *os.File) bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// sensitiveKeys never reach a log sink with their value.
var sensitiveKeys = map[string]struct{}{
	"password":         {},
	"new_password":     {},
	"current_password": {},
	"token":            {},
	"access_token":     {},
	"refresh_token":    {},
	"secret":           {},
	"api_key":          {},
	"master_key":       {},
	"csrf_token":       {},
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

package app

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string { return ansiRe.ReplaceAllString(s, "") }

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(method, ansiGreen, color)
	case "POST":
		return paint(method, ansiBlue, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return paint(method, ansiMagenta, color)
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(code), color)
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WRN", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DBG", ansiMagenta, color)
	default:
		return paint("INF", ansiBlue, color)
	}
}

// subsystemColor groups event prefixes: credentials and sessions, the vault
// and its live stream, plain HTTP, and process plumbing.
func subsystemColor(name string) string {
	switch name {
	case "auth", "session", "gateway", "apikey":
		return ansiMagenta
	case "vault", "totp", "ws":
		return ansiGreen
	case "http":
		return ansiBlue
	case "app", "db", "server", "readyz", "mail", "security":
		return ansiCyan
	default:
		return ""
	}
}

// outcomeColor looks at the last segment of a dotted event name.
func outcomeColor(event string) string {
	switch event[strings.LastIndexByte(event, '.')+1:] {
	case "fail", "error", "reuse_detected":
		return ansiRed
	case "rejected", "invalid", "unreadable", "not_ready":
		return ansiYellow
	default:
		return ansiBright
	}
}

package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per record for local runs:
//
//	12:04:05.123 WRN session rotate.reuse_detected user=0b8f3a52… sid=…7Q3ZK9MD revoked=3
//	12:04:05.130 WRN http    request POST /auth/login 401 12ms bytes=61 remote=127.0.0.1:5431
//
// Event names are dotted and their first segment names the subsystem.
// user_id and session_id are lifted next to the event in short form.
type consoleHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	fields []field
	groups []string
	color  bool
	mu     *sync.Mutex
}

type field struct {
	key string
	val slog.Value
}

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &consoleHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	fields := append(make([]field, 0, len(h.fields)+r.NumAttrs()), h.fields...)
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		fields = h.collect(fields, a, prefix)
		return true
	})

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	h.writeEvent(&b, r.Message)
	if r.Message == "http.request" {
		fields = h.writeRequest(&b, fields)
	}
	fields = h.writeActor(&b, fields)

	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(quoteIfNeeded(valueToString(f.val)))
	}

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(paint(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.fields = append([]field{}, h.fields...)
	prefix := strings.Join(h.groups, ".")
	for _, a := range attrs {
		cp.fields = h.collect(cp.fields, a, prefix)
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// collect flattens a into dotted keys, running ReplaceAttr on leaves.
func (h *consoleHandler) collect(dst []field, a slog.Attr, prefix string) []field {
	a.Value = a.Value.Resolve()
	if h.opts.ReplaceAttr != nil && a.Value.Kind() != slog.KindGroup {
		a = h.opts.ReplaceAttr(h.groups, a)
		a.Value = a.Value.Resolve()
	}
	if a.Equal(slog.Attr{}) {
		return dst
	}
	key := strings.TrimSpace(a.Key)
	if a.Value.Kind() == slog.KindGroup {
		// An unnamed group is inlined.
		if key != "" && prefix != "" {
			key = prefix + "." + key
		} else if key == "" {
			key = prefix
		}
		for _, ga := range a.Value.Group() {
			dst = h.collect(dst, ga, key)
		}
		return dst
	}
	if key == "" {
		return dst
	}
	if prefix != "" {
		key = prefix + "." + key
	}
	return append(dst, field{key: key, val: a.Value})
}

func (h *consoleHandler) writeEvent(b *strings.Builder, msg string) {
	subsystem, event, ok := strings.Cut(msg, ".")
	if !ok {
		b.WriteString(paint(msg, ansiBright, h.color))
		return
	}
	b.WriteString(paint(fmt.Sprintf("%-7s", subsystem), subsystemColor(subsystem), h.color))
	b.WriteByte(' ')
	b.WriteString(paint(event, outcomeColor(event), h.color))
}

// writeRequest renders the access-log fields as "METHOD path status duration"
// and returns what is left. status_class and result repeat the status colour.
func (h *consoleHandler) writeRequest(b *strings.Builder, fields []field) []field {
	var method, path string
	status, ms := int64(-1), int64(-1)
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case "method":
			method = strings.ToUpper(f.val.String())
		case "path":
			path = f.val.String()
		case "status":
			if n, ok := valueToInt64(f.val); ok {
				status = n
			}
		case "duration_ms":
			if n, ok := valueToInt64(f.val); ok {
				ms = n
			}
		case "status_class", "result":
		default:
			rest = append(rest, f)
		}
	}

	if method != "" {
		b.WriteByte(' ')
		b.WriteString(colorizeHTTPMethod(method, h.color))
	}
	if path != "" {
		b.WriteByte(' ')
		b.WriteString(paint(quoteIfNeeded(path), ansiCyan, h.color))
	}
	if status >= 0 {
		b.WriteByte(' ')
		b.WriteString(colorizeStatusCode(int(status), h.color))
	}
	if ms >= 0 {
		b.WriteByte(' ')
		b.WriteString(colorizeDurationMS(ms, h.color))
	}
	return rest
}

// writeActor lifts user_id and session_id out of fields.
func (h *consoleHandler) writeActor(b *strings.Builder, fields []field) []field {
	var user, sess string
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case "user_id":
			user = f.val.String()
		case "session_id":
			sess = f.val.String()
		default:
			rest = append(rest, f)
		}
	}
	if user != "" {
		b.WriteString(" user=")
		b.WriteString(paint(shortID(user, false), ansiBright, h.color))
	}
	if sess != "" {
		b.WriteString(" sid=")
		b.WriteString(paint(shortID(sess, true), ansiBright, h.color))
	}
	return rest
}

// shortID keeps eight characters of an id. User ids are UUIDs and differ in
// their head; session ids are ULIDs and differ in their tail.
func shortID(id string, tail bool) string {
	if len(id) <= 8 {
		return id
	}
	if tail {
		return "…" + id[len(id)-8:]
	}
	return id[:8] + "…"
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

// Package realtime streams live TOTP codes over a websocket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"otpvault/cmd/internal/auth/gateway"
	"otpvault/cmd/internal/metrics"
	"otpvault/cmd/internal/vault"
)

const (
	wsSubprotocolV1 = "otpvault.live.v1"

	wsDefaultSendQueueSize = 8
	wsMinSendQueueSize     = 2

	wsDefaultWriteTimeout = 5 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// StatusAuthExpired closes a stream whose access token lapsed or whose
// session was revoked. Clients reconnect after refreshing their cookies.
const StatusAuthExpired websocket.StatusCode = 4001

var errSessionRevoked = errors.New("realtime: session revoked")

// CodeSource lists a user's vault entries with their current codes.
type CodeSource interface {
	List(ctx context.Context, userID string, now time.Time) ([]vault.Entry, error)
}

// RevocationChecker reports whether a session id was revoked.
type RevocationChecker interface {
	Revoked(ctx context.Context, sessionID string) (bool, error)
}

// WSGateway serves GET /totp/ws. It must be mounted behind the auth
// gateway's Require middleware; the identity comes from the request context.
//
// Each stream pushes a codes frame on connect, at every period boundary and
// whenever the Hub nudges it. The stream closes when the access token that
// opened it lapses.
type WSGateway struct {
	log     *slog.Logger
	source  CodeSource
	hub     *Hub
	revoked RevocationChecker
	now     func() time.Time

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept, which only authorizes cross-origin
	// requests through host patterns.
	originPatterns []string

	writeTimeout  time.Duration
	sendQueueSize int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// Option configures a WSGateway.
type Option func(*WSGateway)

// WithHub registers streams on h so vault mutations can nudge them.
func WithHub(h *Hub) Option { return func(g *WSGateway) { g.hub = h } }

// WithRevocationChecker closes streams whose session shows up as revoked.
func WithRevocationChecker(c RevocationChecker) Option {
	return func(g *WSGateway) { g.revoked = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *WSGateway) { g.now = now } }

// NewWSGateway constructs a gateway with secure defaults, overridable via
// VAULT_WS_* environment variables.
func NewWSGateway(log *slog.Logger, source CodeSource, opts ...Option) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, source: source, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.hub == nil {
		g.hub = NewHub(log)
	}

	// TLS verification knob for local development only.
	g.devInsecure = envBoolWS("VAULT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("VAULT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("VAULT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("VAULT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)

	g.sendQueueSize = envIntWS("VAULT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("VAULT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("VAULT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("VAULT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("VAULT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// Hub returns the hub streams register on.
func (g *WSGateway) Hub() *Hub { return g.hub }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades the request and runs the stream until the peer leaves,
// the heartbeat fails or authentication lapses.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := gateway.FromContext(r.Context())
	if !ok || id.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	streamID := NewStreamID(g.now())
	client := NewClient(id.UserID, streamID, g.sendQueueSize)
	log := g.log.With("stream_id", streamID, "user_id", id.UserID)

	g.hub.Join(client)
	metrics.LiveStreams.Inc()
	defer func() {
		g.hub.Leave(client)
		metrics.LiveStreams.Dec()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Closed from outside (Hub.CloseAll) or by shutdown; the latter is a no-op here.
				shutdown(websocket.StatusGoingAway, "server shutting down")
				return
			case f := <-client.Send:
				if err := writeFrame(ctx, conn, f, g.writeTimeout); err != nil {
					log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	pusherDone := make(chan struct{})
	go func() {
		defer close(pusherDone)
		g.runPusher(ctx, client, id, log, shutdown)
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		msg, err := readInbound(ctx, conn)
		if err != nil {
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syn) || errors.As(err, &typ) {
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			}
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(g.now()) {
			g.trySendError(ctx, client, "rate_limited", "too many messages")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		switch msg.Type {
		case MsgRefresh:
			client.Nudge()
		default:
			g.trySendError(ctx, client, "unsupported", "unsupported type: "+msg.Type)
		}
	}

	<-writerDone
	<-heartbeatDone
	<-pusherDone
}

// runPusher sends codes frames until the stream ends. The first push is
// immediate; later ones follow period boundaries or hub nudges.
func (g *WSGateway) runPusher(ctx context.Context, client *Client, id gateway.Identity, log *slog.Logger, shutdown func(websocket.StatusCode, string)) {
	var expired <-chan time.Time
	if !id.ExpiresAt.IsZero() {
		left := id.ExpiresAt.Sub(g.now())
		if left <= 0 {
			shutdown(StatusAuthExpired, "access expired")
			return
		}
		t := time.NewTimer(left)
		defer t.Stop()
		expired = t.C
	}

	next := time.NewTimer(0)
	defer next.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case <-expired:
			shutdown(StatusAuthExpired, "access expired")
			return
		case <-client.nudge:
		case <-next.C:
		}

		wait, err := g.push(ctx, client, id)
		if errors.Is(err, errSessionRevoked) {
			shutdown(StatusAuthExpired, "session revoked")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("ws.push.fail", "err", err)
			g.trySendError(ctx, client, "server_error", "could not load codes")
		}
		next.Reset(wait)
	}
}

func (g *WSGateway) push(ctx context.Context, client *Client, id gateway.Identity) (time.Duration, error) {
	if g.revoked != nil && id.SessionID != "" {
		revoked, err := g.revoked.Revoked(ctx, id.SessionID)
		if err != nil {
			// The denylist is advisory; the stream still expires with its token.
			g.log.Warn("ws.revocation.check.fail", "err", err, "session_id", id.SessionID)
		} else if revoked {
			return 0, errSessionRevoked
		}
	}

	now := g.now().UTC()
	entries, err := g.source.List(ctx, client.UserID, now)
	if err != nil {
		return defaultPeriod, err
	}
	wait := untilNextBoundary(now, entries)
	if !g.enqueue(ctx, client, codesFrame(now, entries, wait)) {
		g.log.Info("ws.push.dropped", "stream_id", client.StreamID)
	}
	return wait + boundarySlack, nil
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	_ = g.enqueue(ctx, client, errorFrame(g.now().UTC(), code, msg))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, f Frame) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- f:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func readInbound(ctx context.Context, conn *websocket.Conn) (inbound, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return inbound{}, err
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{}, err
	}
	return msg, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, f Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		if a == "*" {
			return nil
		}
		// Full origin match, then host-only match ignoring scheme and port.
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins turns the allowlist into the host
// patterns websocket.Accept matches cross-origin requests against. A
// wildcard entry is left to enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
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

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"otpvault/cmd/identity"
	"otpvault/cmd/internal/auth/session"
	"otpvault/cmd/internal/auth/tokens"
)

// ErrUnauthenticated is the only failure callers of Authenticate observe.
// The underlying reason is logged, never returned.
var ErrUnauthenticated = errors.New("gateway: unauthenticated")

// Method records how an identity was established.
type Method string

const (
	MethodAccess  Method = "access"
	MethodRefresh Method = "refresh"
	MethodAPIKey  Method = "api_key"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID    string
	Email     string
	SessionID string
	Via       Method
	// ExpiresAt is when the access token behind this identity lapses.
	// Zero for API keys.
	ExpiresAt time.Time
}

// Result is the outcome of Authenticate. Renewed is set when the request was
// authenticated through a rotation; the response must carry its cookies.
type Result struct {
	Identity Identity
	Renewed  *session.Issued
}

// AccessVerifier validates access tokens.
type AccessVerifier interface {
	VerifyAccess(token string, now time.Time) (tokens.AccessClaims, error)
}

// Rotator exchanges a refresh token for a new session and can end the
// session it just issued.
type Rotator interface {
	Rotate(ctx context.Context, now time.Time, refreshPlain string, dev session.DeviceContext) (session.Issued, error)
	Revoke(ctx context.Context, now time.Time, sessionID, userID string) (bool, error)
}

// RevocationChecker reports whether a session id was revoked after its
// access token was issued.
type RevocationChecker interface {
	Revoked(ctx context.Context, sessionID string) (bool, error)
}

// UserLookup resolves a token subject to a user.
type UserLookup interface {
	GetByID(ctx context.Context, id string) (identity.User, error)
}

// APIKeyAuthenticator resolves a raw API key to its owner.
type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, raw string, now time.Time) (identity.User, error)
}

// Gateway is the per-request authentication decision procedure.
type Gateway struct {
	access  AccessVerifier
	rotator Rotator
	users   UserLookup
	revoked RevocationChecker
	apiKeys APIKeyAuthenticator

	cookies    CookieConfig
	loginPath  string
	trustProxy bool
	now        func() time.Time
	log        *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRevocationChecker enables the session denylist check for access tokens.
func WithRevocationChecker(c RevocationChecker) Option { return func(g *Gateway) { g.revoked = c } }

// WithAPIKeys enables bearer API-key authentication.
func WithAPIKeys(a APIKeyAuthenticator) Option { return func(g *Gateway) { g.apiKeys = a } }

// WithCookies overrides DefaultCookieConfig.
func WithCookies(c CookieConfig) Option { return func(g *Gateway) { g.cookies = c } }

// WithLoginPath sets where page requests are redirected (default "/login").
func WithLoginPath(p string) Option { return func(g *Gateway) { g.loginPath = p } }

// WithTrustProxy makes client IPs come from X-Forwarded-For / X-Real-IP.
func WithTrustProxy(v bool) Option { return func(g *Gateway) { g.trustProxy = v } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.log = l } }

// New constructs a Gateway.
func New(access AccessVerifier, rotator Rotator, users UserLookup, opts ...Option) *Gateway {
	g := &Gateway{
		access:    access,
		rotator:   rotator,
		users:     users,
		cookies:   DefaultCookieConfig(),
		loginPath: "/login",
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Cookies returns the cookie settings the gateway reads and writes.
func (g *Gateway) Cookies() CookieConfig { return g.cookies }

// Authenticate resolves the request's identity from its cookies.
//
//  1. A valid access cookie yields the identity without any write.
//  2. Otherwise a refresh cookie is rotated; the new pair is returned in
//     Result.Renewed.
//  3. Otherwise ErrUnauthenticated.
//
// An access token that is present but invalid (not merely expired) forces
// re-authentication and does not fall through to rotation.
func (g *Gateway) Authenticate(ctx context.Context, r *http.Request) (Result, error) {
	now := g.now().UTC()

	if raw, ok := g.cookies.AccessToken(r); ok {
		claims, err := g.access.VerifyAccess(raw, now)
		switch {
		case err == nil:
			id, err := g.fromAccess(ctx, claims)
			if err == nil {
				return Result{Identity: id}, nil
			}
			if !errors.Is(err, errSessionGone) {
				return Result{}, err
			}
		case errors.Is(err, tokens.ErrExpired):
		default:
			g.log.Debug("gateway.access.invalid", "err", err)
			return Result{}, ErrUnauthenticated
		}
	}

	refresh, ok := g.cookies.RefreshToken(r)
	if !ok || g.rotator == nil {
		return Result{}, ErrUnauthenticated
	}
	issued, err := g.rotator.Rotate(ctx, now, refresh, DeviceFromRequest(r, g.trustProxy))
	if err != nil {
		if session.IsRejected(err) {
			g.log.Debug("gateway.refresh.rejected", "err", err)
			return Result{}, ErrUnauthenticated
		}
		g.log.Error("gateway.refresh.fail", "err", err)
		return Result{}, err
	}

	// The owner is only known once the refresh token resolves to a row, so a
	// deactivated user still gets a successor here; end it before refusing.
	u, err := g.activeUser(ctx, issued.UserID)
	if err != nil {
		if _, rerr := g.rotator.Revoke(ctx, now, issued.SessionID, issued.UserID); rerr != nil {
			g.log.Error("gateway.refresh.revoke_successor.fail", "err", rerr, "session_id", issued.SessionID)
		}
		return Result{}, err
	}
	return Result{
		Identity: Identity{UserID: u.ID, Email: u.Email, SessionID: issued.SessionID, Via: MethodRefresh, ExpiresAt: issued.AccessExp},
		Renewed:  &issued,
	}, nil
}

// AuthenticateOptional is Authenticate for routes that also serve guests:
// an unauthenticated request yields (nil, nil) instead of an error.
func (g *Gateway) AuthenticateOptional(ctx context.Context, r *http.Request) (*Result, error) {
	res, err := g.Authenticate(ctx, r)
	if errors.Is(err, ErrUnauthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// AuthenticateAPIKey resolves an `Authorization: Bearer <key>` header.
func (g *Gateway) AuthenticateAPIKey(ctx context.Context, r *http.Request) (Identity, error) {
	if g.apiKeys == nil {
		return Identity{}, ErrUnauthenticated
	}
	raw := BearerToken(r)
	if raw == "" {
		return Identity{}, ErrUnauthenticated
	}
	u, err := g.apiKeys.Authenticate(ctx, raw, g.now().UTC())
	if err != nil {
		if identity.IsUnauthorized(err) || identity.IsNotFound(err) {
			return Identity{}, ErrUnauthenticated
		}
		g.log.Error("gateway.api_key.fail", "err", err)
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Email: u.Email, Via: MethodAPIKey}, nil
}

var errSessionGone = errors.New("gateway: session revoked")

func (g *Gateway) fromAccess(ctx context.Context, claims tokens.AccessClaims) (Identity, error) {
	if g.revoked != nil {
		revoked, err := g.revoked.Revoked(ctx, claims.SessionID)
		if err != nil {
			g.log.Error("gateway.denylist.fail", "err", err, "session_id", claims.SessionID)
			return Identity{}, err
		}
		if revoked {
			return Identity{}, errSessionGone
		}
	}
	u, err := g.activeUser(ctx, claims.UserID)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, Email: u.Email, SessionID: claims.SessionID, Via: MethodAccess, ExpiresAt: claims.ExpiresAt}, nil
}

func (g *Gateway) activeUser(ctx context.Context, userID string) (identity.User, error) {
	u, err := g.users.GetByID(ctx, userID)
	if err != nil {
		if identity.IsNotFound(err) {
			return identity.User{}, ErrUnauthenticated
		}
		g.log.Error("gateway.user.lookup.fail", "err", err, "user_id", userID)
		return identity.User{}, err
	}
	if !u.IsActive {
		return identity.User{}, ErrUnauthenticated
	}
	return u, nil
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// DeviceFromRequest captures the client metadata stored on a session.
func DeviceFromRequest(r *http.Request, trustProxy bool) session.DeviceContext {
	return session.DeviceContext{
		UserAgent: strings.TrimSpace(r.UserAgent()),
		IP:        ClientIP(r, trustProxy),
	}
}

// ClientIP returns the caller's address, honouring proxy headers only when
// trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

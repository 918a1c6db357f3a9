package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otpvault/cmd/identity"
	"otpvault/cmd/internal/auth/revocation"
	"otpvault/cmd/internal/auth/session"
	"otpvault/cmd/internal/auth/tokens"
	"otpvault/cmd/security/token"
)

const userID = "0b8f3a52-6c1e-4d7a-9f0e-3d2b1c4a5e60"

type userMap map[string]identity.User

func (m userMap) GetByID(_ context.Context, id string) (identity.User, error) {
	u, ok := m[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "test.GetByID", Resource: "user"}
	}
	return u, nil
}

type keyAuth struct{ users userMap }

func (k keyAuth) Authenticate(_ context.Context, raw string, _ time.Time) (identity.User, error) {
	if raw != "totp_good" {
		return identity.User{}, identity.OpError{Op: "test.Authenticate", Kind: identity.ErrUnauthorized}
	}
	return k.users[userID], nil
}

type fixture struct {
	now      time.Time
	tokens   *tokens.Service
	sessions *session.Service
	store    *session.MemoryStore
	deny     *revocation.Memory
	users    userMap
	gw       *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := tokens.DefaultConfig()
	cfg.Secret = []byte(strings.Repeat("k", 32))
	cfg.AccessTTL = time.Minute
	cfg.ClockSkew = 0
	ts, err := tokens.NewService(cfg)
	require.NoError(t, err)

	f := &fixture{
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		tokens: ts,
		store:  session.NewMemoryStore(),
		deny:   revocation.NewMemory(time.Hour),
		users: userMap{userID: {
			ID: userID, Email: "a@x.com", IsActive: true, IsVerified: true,
		}},
	}
	f.sessions = session.NewService(session.DefaultConfig(), f.store, ts, token.NewHasher(nil), session.WithDenylist(f.deny))
	f.gw = New(ts, f.sessions, f.users,
		WithRevocationChecker(f.deny),
		WithAPIKeys(keyAuth{users: f.users}),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func (f *fixture) login(t *testing.T) session.Issued {
	t.Helper()
	iss, err := f.sessions.Create(context.Background(), f.now, userID, session.DeviceContext{})
	require.NoError(t, err)
	return iss
}

func (f *fixture) serve(r *http.Request, mw func(http.Handler) http.Handler) (*httptest.ResponseRecorder, *Identity) {
	var seen *Identity
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := FromContext(r.Context()); ok {
			seen = &id
		}
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec, seen
}

func withCookies(r *http.Request, kv ...string) *http.Request {
	for i := 0; i+1 < len(kv); i += 2 {
		r.AddCookie(&http.Cookie{Name: kv[i], Value: kv[i+1]})
	}
	return r
}

func responseCookies(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestRequire_ValidAccessCookie(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil), "access_token", iss.AccessToken)
	rec, id := f.serve(r, f.gw.Require)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, userID, id.UserID)
	assert.Equal(t, iss.SessionID, id.SessionID)
	assert.Equal(t, MethodAccess, id.Via)
	assert.Empty(t, rec.Result().Cookies(), "no renewal expected")
}

// Login, let the access token lapse, then call with only the refresh cookie.
func TestRequire_RenewsWithRefreshCookie(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)
	f.now = f.now.Add(2 * time.Minute)

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil), "refresh_token", iss.RefreshToken)
	rec, id := f.serve(r, f.gw.Require)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, MethodRefresh, id.Via)
	assert.NotEqual(t, iss.SessionID, id.SessionID)

	cookies := responseCookies(rec)
	require.Contains(t, cookies, "access_token")
	require.Contains(t, cookies, "refresh_token")
	require.Contains(t, cookies, "csrf_token")
	assert.NotEqual(t, iss.RefreshToken, cookies["refresh_token"].Value)
	assert.True(t, cookies["access_token"].HttpOnly)
	assert.True(t, cookies["refresh_token"].HttpOnly)
	assert.False(t, cookies["csrf_token"].HttpOnly)
	assert.True(t, cookies["refresh_token"].Secure)

	rows, err := f.store.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	states := map[session.State]int{}
	for _, row := range rows {
		states[row.State(f.now)]++
	}
	assert.Equal(t, 1, states[session.StateActive])
	assert.Equal(t, 1, states[session.StateRotated])

	old, err := f.store.GetByID(context.Background(), iss.SessionID)
	require.NoError(t, err)
	require.NotNil(t, old.ReplacedBySessionID)
	assert.Equal(t, id.SessionID, *old.ReplacedBySessionID)

	// The renewed access cookie works on its own.
	r2 := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil), "access_token", cookies["access_token"].Value)
	rec2, id2 := f.serve(r2, f.gw.Require)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, id.SessionID, id2.SessionID)
}

func TestRequire_ExpiredAccessFallsBackToRefresh(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)
	f.now = f.now.Add(5 * time.Minute)

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil),
		"access_token", iss.AccessToken, "refresh_token", iss.RefreshToken)
	rec, id := f.serve(r, f.gw.Require)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MethodRefresh, id.Via)
}

func TestRequire_InvalidAccessDoesNotRotate(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil),
		"access_token", "garbage", "refresh_token", iss.RefreshToken)
	rec, _ := f.serve(r, f.gw.Require)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	row, err := f.store.GetByID(context.Background(), iss.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, row.State(f.now))
}

func TestRequire_RevokedSessionAccessRejected(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)
	ok, err := f.sessions.Revoke(context.Background(), f.now, iss.SessionID, userID)
	require.NoError(t, err)
	require.True(t, ok)

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil),
		"access_token", iss.AccessToken, "refresh_token", iss.RefreshToken)
	rec, _ := f.serve(r, f.gw.Require)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequire_RevokedAccessRejectedWithinClockSkew(t *testing.T) {
	cfg := tokens.DefaultConfig()
	cfg.Secret = []byte(strings.Repeat("k", 32))
	cfg.AccessTTL = time.Minute
	cfg.ClockSkew = 30 * time.Second
	ts, err := tokens.NewService(cfg)
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	users := userMap{userID: {ID: userID, Email: "a@x.com", IsActive: true, IsVerified: true}}

	deny := revocation.NewMemory(cfg.AccessAcceptance(), revocation.WithMemoryClock(clock))
	sessions := session.NewService(session.DefaultConfig(), session.NewMemoryStore(), ts, token.NewHasher(nil), session.WithDenylist(deny))
	gw := New(ts, sessions, users, WithRevocationChecker(deny), WithClock(clock))

	ctx := context.Background()
	iss, err := sessions.Create(ctx, now, userID, session.DeviceContext{})
	require.NoError(t, err)
	ok, err := sessions.Revoke(ctx, now, iss.SessionID, userID)
	require.NoError(t, err)
	require.True(t, ok)

	// A denylist sized to the bare access TTL forgets the session while the
	// verifier still accepts its token.
	short := revocation.NewMemory(cfg.AccessTTL, revocation.WithMemoryClock(clock))
	require.NoError(t, short.Add(ctx, iss.SessionID))
	leaky := New(ts, sessions, users, WithRevocationChecker(short), WithClock(clock))

	now = iss.AccessExp.Add(cfg.ClockSkew / 2)
	_, err = ts.VerifyAccess(iss.AccessToken, now)
	require.NoError(t, err, "token must still verify inside the skew window")

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil), "access_token", iss.AccessToken)
	_, err = gw.Authenticate(ctx, r)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	res, err := leaky.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, iss.SessionID, res.Identity.SessionID)
}

func TestRequire_ChallengeByRouteClass(t *testing.T) {
	f := newFixture(t)

	api := httptest.NewRequest(http.MethodGet, "/totp", nil)
	rec, _ := f.serve(api, f.gw.Require)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":{"code":"unauthorized","message":"authentication required"}}`, rec.Body.String())

	page := httptest.NewRequest(http.MethodGet, "/totp", nil)
	page.Header.Set("Accept", "text/html,application/xhtml+xml")
	rec, _ = f.serve(page, f.gw.Require)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRequire_InactiveUser(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)
	u := f.users[userID]
	u.IsActive = false
	f.users[userID] = u

	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil), "access_token", iss.AccessToken)
	rec, _ := f.serve(r, f.gw.Require)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequire_InactiveUserRefreshLeavesNoLiveSession(t *testing.T) {
	f := newFixture(t)
	iss := f.login(t)
	u := f.users[userID]
	u.IsActive = false
	f.users[userID] = u

	f.now = iss.AccessExp.Add(time.Second)
	r := withCookies(httptest.NewRequest(http.MethodGet, "/totp", nil),
		"access_token", iss.AccessToken, "refresh_token", iss.RefreshToken)
	rec, _ := f.serve(r, f.gw.Require)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	views, err := f.sessions.List(context.Background(), f.now, userID)
	require.NoError(t, err)
	require.NotEmpty(t, views)
	for _, v := range views {
		assert.NotEqual(t, session.StateActive, v.State, "session %s", v.ID)
	}
}

func TestOptional_GuestAndUser(t *testing.T) {
	f := newFixture(t)

	rec, id := f.serve(httptest.NewRequest(http.MethodGet, "/auth/me", nil), f.gw.Optional)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, id)

	iss := f.login(t)
	r := withCookies(httptest.NewRequest(http.MethodGet, "/auth/me", nil), "access_token", iss.AccessToken)
	rec, id = f.serve(r, f.gw.Optional)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, userID, id.UserID)
}

func TestRequireAPIKey(t *testing.T) {
	f := newFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/totp", nil)
	r.Header.Set("Authorization", "Bearer totp_good")
	rec, id := f.serve(r, f.gw.RequireAPIKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, id)
	assert.Equal(t, MethodAPIKey, id.Via)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/totp", nil)
	r.Header.Set("Authorization", "Bearer totp_bad")
	r.Header.Set("Accept", "text/html")
	rec, _ = f.serve(r, f.gw.RequireAPIKey)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestCSRFValid(t *testing.T) {
	c := DefaultCookieConfig()

	r := withCookies(httptest.NewRequest(http.MethodPost, "/auth/refresh", nil), "csrf_token", "abc123")
	assert.False(t, c.CSRFValid(r))

	r.Header.Set("X-CSRF-Token", "abc124")
	assert.False(t, c.CSRFValid(r))

	r.Header.Set("X-CSRF-Token", "abc123")
	assert.True(t, c.CSRFValid(r))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.4:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "198.51.100.4", ClientIP(r, false).String())
	assert.Equal(t, "203.0.113.9", ClientIP(r, true).String())
}

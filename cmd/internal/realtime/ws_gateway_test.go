package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"otpvault/cmd/internal/auth/gateway"
	"otpvault/cmd/internal/vault"
)

const testUser = "11111111-1111-4111-8111-111111111111"

type fakeSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSource) List(_ context.Context, userID string, _ time.Time) ([]vault.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if userID != testUser {
		return nil, nil
	}
	return []vault.Entry{{
		Item: vault.Item{ID: "01J00000000000000000000000", OwnerID: testUser, Account: "alice", Issuer: "Example", Params: vault.DefaultParams()},
		Code: "123456", Remaining: 12,
	}}, nil
}

type fakeRevoked struct{ revoked bool }

func (f fakeRevoked) Revoked(context.Context, string) (bool, error) { return f.revoked, nil }

func wsTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("VAULT_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1")
}

// startWSTestServer mounts gw at /ws, injecting id the way the auth
// gateway's Require middleware would. A zero id leaves the request anonymous.
func startWSTestServer(t *testing.T, gw *WSGateway, id gateway.Identity) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id.UserID != "" {
			r = r.WithContext(gateway.WithIdentity(r.Context(), id))
		}
		gw.ServeHTTP(w, r)
	}))
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, baseHTTPURL, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func mustDial(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return f
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func liveIdentity() gateway.Identity {
	return gateway.Identity{
		UserID:    testUser,
		SessionID: "01J00000000000000000000SES",
		Via:       gateway.MethodAccess,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestWSGateway_RejectsAnonymous(t *testing.T) {
	wsTestEnv(t)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}), gateway.Identity{})

	_, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestWSGateway_RejectsForeignOrigin(t *testing.T) {
	t.Setenv("VAULT_WS_ORIGIN_REQUIRED", "true")
	t.Setenv("VAULT_WS_ALLOWED_ORIGINS", "http://localhost")
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}), liveIdentity())

	for _, origin := range []string{"", "https://evil.example"} {
		_, resp, err := dialWS(t, ts.URL, origin)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			t.Fatalf("origin %q: expected handshake failure", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: expected 403, got resp=%v err=%v", origin, resp, err)
		}
	}
}

func TestWSGateway_PushesCodesOnConnect(t *testing.T) {
	wsTestEnv(t)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}), liveIdentity())
	conn := mustDial(t, ts.URL)

	f := readFrame(t, conn)
	if f.Type != FrameTypeCodes {
		t.Fatalf("type=%q, want %q", f.Type, FrameTypeCodes)
	}
	if len(f.Items) != 1 {
		t.Fatalf("items=%d, want 1", len(f.Items))
	}
	it := f.Items[0]
	if it.Code != "123456" || it.Account != "alice" || it.Period != 30 || it.Digits != 6 {
		t.Fatalf("unexpected item: %+v", it)
	}
	if f.RefreshIn < 1 || f.RefreshIn > 30 {
		t.Fatalf("refresh_in=%d out of range", f.RefreshIn)
	}
}

func TestWSGateway_RefreshAndHubNudge(t *testing.T) {
	wsTestEnv(t)
	hub := NewHub(nil)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}, WithHub(hub)), liveIdentity())
	conn := mustDial(t, ts.URL)

	_ = readFrame(t, conn)

	writeText(t, conn, `{"type":"refresh"}`)
	if f := readFrame(t, conn); f.Type != FrameTypeCodes {
		t.Fatalf("after refresh: type=%q", f.Type)
	}

	if n := hub.Streams(testUser); n != 1 {
		t.Fatalf("hub streams=%d, want 1", n)
	}
	hub.Notify(testUser)
	if f := readFrame(t, conn); f.Type != FrameTypeCodes {
		t.Fatalf("after nudge: type=%q", f.Type)
	}
}

func TestWSGateway_BadMessagesGetErrorFrames(t *testing.T) {
	wsTestEnv(t)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}), liveIdentity())
	conn := mustDial(t, ts.URL)
	_ = readFrame(t, conn)

	writeText(t, conn, `not json`)
	f := readFrame(t, conn)
	if f.Type != FrameTypeError || f.Error == nil || f.Error.Code != "bad_json" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	writeText(t, conn, `{"type":"subscribe"}`)
	f = readFrame(t, conn)
	if f.Type != FrameTypeError || f.Error == nil || f.Error.Code != "unsupported" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestWSGateway_SourceFailureKeepsStream(t *testing.T) {
	wsTestEnv(t)
	src := &fakeSource{err: errors.New("db down")}
	ts := startWSTestServer(t, NewWSGateway(nil, src), liveIdentity())
	conn := mustDial(t, ts.URL)

	f := readFrame(t, conn)
	if f.Type != FrameTypeError || f.Error == nil || f.Error.Code != "server_error" {
		t.Fatalf("unexpected frame: %+v", f)
	}

	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()

	writeText(t, conn, `{"type":"refresh"}`)
	if f := readFrame(t, conn); f.Type != FrameTypeCodes {
		t.Fatalf("after recovery: type=%q", f.Type)
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != want {
			t.Fatalf("close status=%d, want %d (err=%v)", got, want, err)
		}
		return
	}
}

func TestWSGateway_ClosesWhenAccessExpires(t *testing.T) {
	wsTestEnv(t)
	id := liveIdentity()
	id.ExpiresAt = time.Now().Add(300 * time.Millisecond)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}), id)
	conn := mustDial(t, ts.URL)

	expectClose(t, conn, StatusAuthExpired)
}

func TestWSGateway_ClosesRevokedSession(t *testing.T) {
	wsTestEnv(t)
	gw := NewWSGateway(nil, &fakeSource{}, WithRevocationChecker(fakeRevoked{revoked: true}))
	ts := startWSTestServer(t, gw, liveIdentity())
	conn := mustDial(t, ts.URL)

	expectClose(t, conn, StatusAuthExpired)
}

func TestWSGateway_HubCloseAllSendsGoingAway(t *testing.T) {
	wsTestEnv(t)
	hub := NewHub(nil)
	ts := startWSTestServer(t, NewWSGateway(nil, &fakeSource{}, WithHub(hub)), liveIdentity())
	conn := mustDial(t, ts.URL)
	_ = readFrame(t, conn)

	if n := hub.CloseAll(); n != 1 {
		t.Fatalf("CloseAll closed %d streams, want 1", n)
	}
	expectClose(t, conn, websocket.StatusGoingAway)
}

func TestUntilNextBoundary(t *testing.T) {
	now := time.Unix(1111111109, int64(500*time.Millisecond))

	if d := untilNextBoundary(now, nil); d != 500*time.Millisecond {
		t.Fatalf("empty vault: got %v", d)
	}

	entries := []vault.Entry{
		{Item: vault.Item{Params: vault.Params{Period: 60}}, Code: "1"},
		{Item: vault.Item{Params: vault.Params{Period: 15}}, Code: vault.CodeUnreadable},
	}
	// 1111111109.5 mod 60 = 29.5
	if d := untilNextBoundary(now, entries); d != 30500*time.Millisecond {
		t.Fatalf("got %v, want 30.5s", d)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"https://App.example.com:8443", "http://localhost", "localhost:3000", "*"})
	want := []string{"app.example.com", "localhost"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	t0 := time.Unix(100, 0)

	if !rl.Allow(t0) || !rl.Allow(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two events must pass")
	}
	if rl.Allow(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third event inside the window must fail")
	}
	if !rl.Allow(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("event after the first one aged out must pass")
	}
}

func TestHub_JoinLeaveNotify(t *testing.T) {
	h := NewHub(nil)
	a := NewClient(testUser, "s1", 1)
	b := NewClient(testUser, "s2", 1)
	h.Join(a)
	h.Join(b)

	h.Notify(testUser)
	h.Notify(testUser)
	for _, c := range []*Client{a, b} {
		select {
		case <-c.nudge:
		default:
			t.Fatalf("stream %s not nudged", c.StreamID)
		}
		select {
		case <-c.nudge:
			t.Fatalf("stream %s: nudges must coalesce", c.StreamID)
		default:
		}
	}

	h.Leave(a)
	h.Leave(b)
	if n := h.Streams(testUser); n != 0 {
		t.Fatalf("streams=%d after leave", n)
	}

	var nilHub *Hub
	nilHub.Notify(testUser)
}

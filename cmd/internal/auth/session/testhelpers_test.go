package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// stubIssuer mints deterministic access tokens: "access:<user>:<sid>:<n>".
type stubIssuer struct {
	ttl time.Duration
	n   atomic.Int64
}

func (s *stubIssuer) IssueAccess(userID, sessionID string, now time.Time) (string, time.Time, error) {
	return fmt.Sprintf("access:%s:%s:%d", userID, sessionID, s.n.Add(1)), now.Add(s.ttl), nil
}

// recordingDenylist collects published session ids.
type recordingDenylist struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDenylist) Add(_ context.Context, sessionIDs ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, sessionIDs...)
	return nil
}

func (d *recordingDenylist) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

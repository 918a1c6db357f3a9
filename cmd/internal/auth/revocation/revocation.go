// Package revocation is the access-token denylist.
//
// Access tokens are stateless and live until exp. When a session becomes
// terminal its id is recorded here for one access-token lifetime, which is long
// enough for every token bound to it to expire on its own. Callers size that
// lifetime as the access TTL plus the verifier's clock-skew leeway.
package revocation

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Denylist records revoked session ids.
type Denylist interface {
	Add(ctx context.Context, sessionIDs ...string) error
	Revoked(ctx context.Context, sessionID string) (bool, error)
}

// Memory is an in-process Denylist backed by go-cache. Suitable for a single
// replica or development.
type Memory struct {
	c   *gocache.Cache
	ttl time.Duration
	now func() time.Time
}

// MemoryOption configures a Memory denylist.
type MemoryOption func(*Memory)

// WithMemoryClock makes entry expiry follow now instead of the wall clock.
// go-cache still evicts on wall time, so now should not run ahead of it by
// more than ttl.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns a Memory denylist whose entries live for ttl.
func NewMemory(ttl time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{c: gocache.New(ttl, time.Minute), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add stores each id with its expiry so lookups can be judged against m.now.
func (m *Memory) Add(_ context.Context, sessionIDs ...string) error {
	until := m.now().Add(m.ttl)
	for _, id := range sessionIDs {
		m.c.Set(id, until, m.ttl)
	}
	return nil
}

func (m *Memory) Revoked(_ context.Context, sessionID string) (bool, error) {
	v, ok := m.c.Get(sessionID)
	if !ok {
		return false, nil
	}
	until, _ := v.(time.Time)
	return m.now().Before(until), nil
}

// Redis is a Denylist shared by every replica.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis denylist. Keys are "<prefix>revoked:sid:<id>".
func NewRedis(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "vault:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(id string) string { return r.prefix + "revoked:sid:" + id }

func (r *Redis) Add(ctx context.Context, sessionIDs ...string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, id := range sessionIDs {
		pipe.Set(ctx, r.key(id), 1, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("revocation: redis add: %w", err)
	}
	return nil
}

func (r *Redis) Revoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation: redis exists: %w", err)
	}
	return n == 1, nil
}

// NewFromURL returns a Redis denylist for a redis:// URL, or a Memory one when
// url is empty.
func NewFromURL(ctx context.Context, url, prefix string, ttl time.Duration) (Denylist, func() error, error) {
	if url == "" {
		return NewMemory(ttl), func() error { return nil }, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("revocation: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("revocation: redis ping: %w", err)
	}
	return NewRedis(rdb, prefix, ttl), rdb.Close, nil
}

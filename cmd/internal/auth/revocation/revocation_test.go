package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_AddAndExpire(t *testing.T) {
	d := NewMemory(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "s1", "s2"))

	ok, err := d.Revoked(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = d.Revoked(ctx, "s3")
	assert.False(t, ok)

	time.Sleep(80 * time.Millisecond)
	ok, _ = d.Revoked(ctx, "s1")
	assert.False(t, ok, "entry must expire after ttl")
}

func TestMemory_ClockDrivesExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewMemory(90*time.Second, WithMemoryClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "s1"))

	now = now.Add(89 * time.Second)
	ok, err := d.Revoked(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, _ = d.Revoked(ctx, "s1")
	assert.False(t, ok)
}

func TestRedis_AddRevokedAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	d := NewRedis(rdb, "test:", time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Add(ctx, "s1", "s2"))
	require.NoError(t, d.Add(ctx))

	ok, err := d.Revoked(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Revoked(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, mr.Exists("test:revoked:sid:s1"))
	assert.Equal(t, time.Minute, mr.TTL("test:revoked:sid:s1"))

	mr.FastForward(2 * time.Minute)
	ok, err = d.Revoked(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ErrorsSurface(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	d := NewRedis(rdb, "", time.Minute)

	mr.SetError("boom")
	_, err := d.Revoked(context.Background(), "s1")
	assert.Error(t, err)
}

func TestNewFromURL(t *testing.T) {
	ctx := context.Background()

	d, closeFn, err := NewFromURL(ctx, "", "", time.Minute)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, d)
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	d, closeFn, err = NewFromURL(ctx, "redis://"+mr.Addr(), "", time.Minute)
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, d)
	require.NoError(t, closeFn())

	_, _, err = NewFromURL(ctx, "::not a url", "", time.Minute)
	assert.Error(t, err)
}

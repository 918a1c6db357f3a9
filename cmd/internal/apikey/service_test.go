package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otpvault/cmd/identity"
	"otpvault/cmd/security/token"
)

const (
	owner = "4a0d7d1e-2a7c-4b7e-8c21-5f0c9a3e1b10"
	other = "9e2f1b6c-7d3a-4f55-a1b2-0c8d7e6f5a40"
)

type users map[string]identity.User

func (u users) GetByID(_ context.Context, id string) (identity.User, error) {
	v, ok := u[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "test.GetByID", Resource: "user"}
	}
	return v, nil
}

func newTestService(t *testing.T) (*Service, *MemoryStore, users) {
	t.Helper()
	us := users{
		owner: {ID: owner, Email: "owner@example.com", IsActive: true, IsVerified: true},
		other: {ID: other, Email: "other@example.com", IsActive: true, IsVerified: true},
	}
	store := NewMemoryStore()
	svc, err := NewService(store, token.NewHasher(nil), us)
	require.NoError(t, err)
	return svc, store, us
}

func TestCreate_ReturnsRawOnceAndStoresHash(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k, raw, err := svc.Create(ctx, now, owner, "  ci  ")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Equal(t, "ci", k.Name)
	assert.True(t, strings.HasPrefix(raw, k.Prefix))
	assert.Len(t, k.ID, 26)

	stored, err := store.GetByHash(ctx, token.HashSHA256Hex(raw))
	require.NoError(t, err)
	assert.Equal(t, k.ID, stored.ID)
	assert.NotContains(t, stored.KeyHash, raw)
}

func TestCreate_NameRules(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	k, _, err := svc.Create(ctx, time.Now(), owner, "")
	require.NoError(t, err)
	assert.Equal(t, "API key", k.Name)

	_, _, err = svc.Create(ctx, time.Now(), owner, strings.Repeat("n", 65))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, identity.IsInvalidInput(err))
}

func TestAuthenticate_TouchesLastUsed(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k, raw, err := svc.Create(ctx, now, owner, "ci")
	require.NoError(t, err)

	u, err := svc.Authenticate(ctx, raw, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, owner, u.ID)

	stored, err := store.GetByHash(ctx, k.KeyHash)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.True(t, stored.LastUsedAt.Equal(now.Add(time.Minute)))
}

func TestAuthenticate_Rejections(t *testing.T) {
	svc, _, us := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, raw, err := svc.Create(ctx, now, owner, "ci")
	require.NoError(t, err)

	for _, bad := range []string{"", "nope", KeyPrefix + "unknown", strings.TrimPrefix(raw, KeyPrefix)} {
		_, err := svc.Authenticate(ctx, bad, now)
		assert.ErrorIs(t, err, ErrRejected, "key %q", bad)
		assert.True(t, identity.IsUnauthorized(err))
	}

	u := us[owner]
	u.IsVerified = false
	us[owner] = u
	_, err = svc.Authenticate(ctx, raw, now)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRevoke_OwnerScopedAndIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	k, raw, err := svc.Create(ctx, now, owner, "ci")
	require.NoError(t, err)

	_, err = svc.Revoke(ctx, now, k.ID, other)
	assert.ErrorIs(t, err, ErrNotFound)

	changed, err := svc.Revoke(ctx, now, k.ID, owner)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Revoke(ctx, now, k.ID, owner)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = svc.Authenticate(ctx, raw, now)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRevokeAllAndDelete(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var raws []string
	for i := 0; i < 3; i++ {
		_, raw, err := svc.Create(ctx, now, owner, "k")
		require.NoError(t, err)
		raws = append(raws, raw)
	}
	kept, keptRaw, err := svc.Create(ctx, now, other, "theirs")
	require.NoError(t, err)

	n, err := svc.RevokeAll(ctx, now, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for _, raw := range raws {
		_, err := svc.Authenticate(ctx, raw, now)
		assert.ErrorIs(t, err, ErrRejected)
	}
	_, err = svc.Authenticate(ctx, keptRaw, now)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Delete(ctx, kept.ID, owner), ErrNotFound)
	require.NoError(t, svc.Delete(ctx, kept.ID, other))

	list, err := svc.List(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = svc.List(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestAuthenticate_HMACHasher(t *testing.T) {
	store := NewMemoryStore()
	us := users{owner: {ID: owner, IsActive: true, IsVerified: true}}
	svc, err := NewService(store, token.NewHasher([]byte(strings.Repeat("h", 32))), us)
	require.NoError(t, err)

	ctx := context.Background()
	k, raw, err := svc.Create(ctx, time.Now(), owner, "ci")
	require.NoError(t, err)
	assert.NotEqual(t, token.HashSHA256Hex(raw), k.KeyHash)

	_, err = svc.Authenticate(ctx, raw, time.Now())
	require.NoError(t, err)
}

package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otpvault/cmd/identity"
	"otpvault/cmd/security/envelope"
)

// RFC 6238 appendix B seed "12345678901234567890" in base32.
const rfcSecret = "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
)

type directory struct {
	keys  *envelope.Manager
	users map[string]identity.User
}

func (d *directory) GetByID(_ context.Context, id string) (identity.User, error) {
	u, ok := d.users[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "test.GetByID", Resource: "user"}
	}
	return u, nil
}

func (d *directory) GetByEmail(_ context.Context, email string) (identity.User, error) {
	for _, u := range d.users {
		if u.Email == email {
			return u, nil
		}
	}
	return identity.User{}, identity.NotFoundError{Op: "test.GetByEmail", Resource: "user"}
}

func (d *directory) UnwrapDEK(u identity.User) (envelope.DEK, error) {
	return d.keys.Unwrap(u.EncryptedDEK)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *directory) {
	t.Helper()
	raw, err := envelope.GenerateKey()
	require.NoError(t, err)
	keys, err := envelope.NewManagerFromString(raw)
	require.NoError(t, err)

	dir := &directory{keys: keys, users: map[string]identity.User{}}
	for id, email := range map[string]string{alice: "alice@example.com", bob: "bob@example.com"} {
		wrapped, err := keys.WrapNewUserKey()
		require.NoError(t, err)
		dir.users[id] = identity.User{ID: id, Email: email, IsActive: true, IsVerified: true, EncryptedDEK: wrapped}
	}

	store := NewMemoryStore()
	return NewService(store, dir), store, dir
}

func TestGenerateCode_RFC6238(t *testing.T) {
	code, remaining, err := GenerateCode(rfcSecret, Params{Algorithm: "SHA1", Digits: 8, Period: 30}, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "94287082", code)
	assert.Equal(t, 1, remaining)

	code, remaining, err = GenerateCode(rfcSecret, DefaultParams(), time.Unix(1111111109, 0))
	require.NoError(t, err)
	assert.Equal(t, "081804", code)
	assert.Equal(t, 1, remaining)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    NewItem
		field string
	}{
		{"no account", NewItem{Secret: rfcSecret}, "account"},
		{"long account", NewItem{Account: "abcdefghijklmnopqrstuvwxyz0123456", Secret: rfcSecret}, "account"},
		{"long issuer", NewItem{Account: "a", Issuer: "abcdefghijklmnopqrstuvwxyz0123456", Secret: rfcSecret}, "issuer"},
		{"short secret", NewItem{Account: "a", Secret: "JBSWY3DP"}, "secret"},
		{"bad alphabet", NewItem{Account: "a", Secret: "JBSWY3DPEHPK3PX1"}, "secret"},
		{"bad digits", NewItem{Account: "a", Secret: rfcSecret, Params: Params{Digits: 7}}, "digits"},
		{"bad period", NewItem{Account: "a", Secret: rfcSecret, Params: Params{Period: 5}}, "period"},
		{"bad algorithm", NewItem{Account: "a", Secret: rfcSecret, Params: Params{Algorithm: "MD5"}}, "algorithm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, alice, tc.in)
			require.Error(t, err)
			assert.True(t, identity.IsInvalidInput(err))
			var ve identity.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestCreate_NormalizesSecretAndEncrypts(t *testing.T) {
	svc, store, dir := newTestService(t)
	ctx := context.Background()

	it, err := svc.Create(ctx, alice, NewItem{Account: " alice ", Issuer: "Example", Secret: "gezd gnbv gy3t qojq gezd gnbv gy3t qojq"})
	require.NoError(t, err)
	assert.Equal(t, "alice", it.Account)
	assert.Equal(t, DefaultParams(), it.Params)
	assert.NotContains(t, it.EncryptedSecret, rfcSecret)

	stored, err := store.GetItem(ctx, it.ID)
	require.NoError(t, err)
	dek, err := dir.UnwrapDEK(dir.users[alice])
	require.NoError(t, err)
	plain, err := envelope.DecryptSecret(dek, stored.EncryptedSecret)
	require.NoError(t, err)
	assert.Equal(t, rfcSecret, string(plain))
}

func TestList_CodesAndUnreadableSentinel(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	good, err := svc.Create(ctx, alice, NewItem{Account: "good", Secret: rfcSecret})
	require.NoError(t, err)
	bad, err := svc.Create(ctx, alice, NewItem{Account: "bad", Secret: rfcSecret})
	require.NoError(t, err)

	corrupt := bad
	corrupt.EncryptedSecret = "v1.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	store.mu.Lock()
	store.items[bad.ID] = corrupt
	store.mu.Unlock()

	entries, err := svc.List(ctx, alice, time.Unix(1111111109, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byID := map[string]Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}
	assert.Equal(t, "081804", byID[good.ID].Code)
	assert.True(t, byID[good.ID].Readable())
	assert.Equal(t, CodeUnreadable, byID[bad.ID].Code)
	assert.False(t, byID[bad.ID].Readable())
}

func TestList_OwnedThenSharedWithCorruptShare(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	mine, err := svc.Create(ctx, bob, NewItem{Account: "mine", Secret: rfcSecret})
	require.NoError(t, err)
	theirs, err := svc.Create(ctx, alice, NewItem{Account: "theirs", Secret: rfcSecret})
	require.NoError(t, err)
	_, err = svc.Share(ctx, alice, theirs.ID, "bob@example.com")
	require.NoError(t, err)

	key := shareKey{item: theirs.ID, user: bob}
	store.mu.Lock()
	sh := store.shares[key]
	sh.EncryptedSecret = "v1.AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	store.shares[key] = sh
	store.mu.Unlock()

	entries, err := svc.List(ctx, bob, time.Unix(1111111109, 0))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, mine.ID, entries[0].ID)
	assert.False(t, entries[0].Shared)
	assert.Equal(t, "081804", entries[0].Code)

	assert.Equal(t, theirs.ID, entries[1].ID)
	assert.True(t, entries[1].Shared)
	assert.Equal(t, CodeUnreadable, entries[1].Code)

	// The owner's own copy is untouched.
	entries, err = svc.List(ctx, alice, time.Unix(1111111109, 0))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "081804", entries[0].Code)
}

func TestList_DEKFailureIsAnError(t *testing.T) {
	svc, _, dir := newTestService(t)
	u := dir.users[alice]
	u.EncryptedDEK = "v1.garbage"
	dir.users[alice] = u

	_, err := svc.List(context.Background(), alice, time.Now())
	assert.True(t, envelope.IsEnvelopeError(err))
}

func TestImport_OtpauthURI(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.Import(ctx, alice,
		"otpauth://totp/Example:alice@example.com?secret="+rfcSecret+"&issuer=Example&algorithm=SHA256&digits=8&period=60")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", it.Account)
	assert.Equal(t, "Example", it.Issuer)
	assert.Equal(t, Params{Algorithm: "SHA256", Digits: 8, Period: 60}, it.Params)

	_, err = svc.Import(ctx, alice, "otpauth://hotp/Example:alice?secret="+rfcSecret+"&counter=1")
	assert.True(t, identity.IsInvalidInput(err))

	_, err = svc.Import(ctx, alice, "https://example.com")
	assert.True(t, identity.IsInvalidInput(err))
}

func TestShare_ReencryptsForRecipient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Unix(1111111109, 0)

	it, err := svc.Create(ctx, alice, NewItem{Account: "shared", Secret: rfcSecret})
	require.NoError(t, err)

	sh, err := svc.Share(ctx, alice, it.ID, "bob@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, it.EncryptedSecret, sh.EncryptedSecret)

	entries, err := svc.List(ctx, bob, now)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Shared)
	assert.Equal(t, "081804", entries[0].Code)

	_, err = svc.Share(ctx, alice, it.ID, "bob@example.com")
	assert.True(t, identity.IsConflict(err))

	_, err = svc.Share(ctx, bob, it.ID, "alice@example.com")
	assert.True(t, identity.IsNotFound(err), "recipient cannot reshare")

	_, err = svc.Share(ctx, alice, it.ID, "alice@example.com")
	assert.True(t, identity.IsInvalidInput(err))

	_, err = svc.Share(ctx, alice, it.ID, "nobody@example.com")
	assert.True(t, identity.IsNotFound(err))

	require.NoError(t, svc.Unshare(ctx, alice, it.ID, bob))
	entries, err = svc.List(ctx, bob, now)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDelete_OwnerAndRecipient(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	it, err := svc.Create(ctx, alice, NewItem{Account: "shared", Secret: rfcSecret})
	require.NoError(t, err)
	_, err = svc.Share(ctx, alice, it.ID, "bob@example.com")
	require.NoError(t, err)

	// Bob drops his copy; Alice keeps hers.
	require.NoError(t, svc.Delete(ctx, bob, it.ID))
	assert.True(t, identity.IsNotFound(svc.Delete(ctx, bob, it.ID)))
	entries, err := svc.List(ctx, alice, time.Now())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	require.NoError(t, svc.Delete(ctx, alice, it.ID))
	entries, err = svc.List(ctx, alice, time.Now())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

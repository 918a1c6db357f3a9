package identity

import (
	"context"
	"testing"
	"time"

	"otpvault/cmd/identity/ids"
	"otpvault/cmd/internal/pgtest"
)

// Integration tests are opt-in and require VAULT_DATABASE_URL.

func mustNewIdentityStore(t *testing.T) *PostgresStore {
	t.Helper()
	pool, schema := pgtest.Schema(t)
	s, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func testUser(email string, now time.Time) User {
	return User{
		ID:           ids.NewUUID(),
		Email:        email,
		PasswordHash: "$argon2id$placeholder",
		IsActive:     true,
		EncryptedDEK: "v1.placeholder",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestPostgresStore_CreateUser_ConflictEmail_CaseSensitive(t *testing.T) {
	t.Parallel()
	s := mustNewIdentityStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := s.CreateUser(ctx, testUser("User@Example.com", now)); err != nil {
		t.Fatalf("create user 1: %v", err)
	}
	if err := s.CreateUser(ctx, testUser("User@Example.com", now)); !IsConflict(err) {
		t.Fatalf("expected conflict, got: %v", err)
	}
	if err := s.CreateUser(ctx, testUser("user@example.com", now)); err != nil {
		t.Fatalf("differently cased email must not conflict: %v", err)
	}
}

func TestPostgresStore_GetUser(t *testing.T) {
	t.Parallel()
	s := mustNewIdentityStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Microsecond)

	u := testUser("a@x.com", now)
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("by email: %v", err)
	}
	if got.ID != u.ID || got.EncryptedDEK != u.EncryptedDEK || got.IsVerified {
		t.Fatalf("unexpected row: %+v", got)
	}

	if _, err := s.GetUserByID(ctx, ids.NewUUID()); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetUserByID(ctx, "not-a-uuid"); !IsNotFound(err) {
		t.Fatalf("malformed id must read as not found, got %v", err)
	}
}

func TestPostgresStore_ResetTokenCooldownAndConsume(t *testing.T) {
	t.Parallel()
	s := mustNewIdentityStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Microsecond)

	u := testUser("a@x.com", now)
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.SetResetToken(ctx, u.ID, "r1", now, now.Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("first SetResetToken: ok=%v err=%v", ok, err)
	}
	later := now.Add(10 * time.Second)
	ok, err = s.SetResetToken(ctx, u.ID, "r2", later, later.Add(-time.Minute))
	if err != nil || ok {
		t.Fatalf("cooldown must reject: ok=%v err=%v", ok, err)
	}

	ok, err = s.ConsumeResetToken(ctx, u.ID, "wrong", "newhash", later)
	if err != nil || ok {
		t.Fatalf("wrong reset id must not consume: ok=%v err=%v", ok, err)
	}
	ok, err = s.ConsumeResetToken(ctx, u.ID, "r1", "newhash", later)
	if err != nil || !ok {
		t.Fatalf("consume: ok=%v err=%v", ok, err)
	}
	ok, err = s.ConsumeResetToken(ctx, u.ID, "r1", "newhash2", later)
	if err != nil || ok {
		t.Fatalf("second consume must fail: ok=%v err=%v", ok, err)
	}

	got, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PasswordHash != "newhash" || !got.IsVerified || got.ResetTokenID != nil {
		t.Fatalf("unexpected row after consume: %+v", got)
	}
}

func TestPostgresStore_MarkVerified_Idempotent(t *testing.T) {
	t.Parallel()
	s := mustNewIdentityStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	now := time.Now().UTC().Truncate(time.Microsecond)

	u := testUser("a@x.com", now)
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}

	changed, err := s.MarkVerified(ctx, u.ID, now)
	if err != nil || !changed {
		t.Fatalf("first: changed=%v err=%v", changed, err)
	}
	changed, err = s.MarkVerified(ctx, u.ID, now)
	if err != nil || changed {
		t.Fatalf("second: changed=%v err=%v", changed, err)
	}
	if _, err := s.MarkVerified(ctx, ids.NewUUID(), now); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

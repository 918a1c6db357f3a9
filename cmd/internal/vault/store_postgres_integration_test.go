package vault

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"otpvault/cmd/identity"
	"otpvault/cmd/identity/ids"
	"otpvault/cmd/internal/pgtest"
)

// Integration tests are enabled when VAULT_DATABASE_URL is set.

func TestPostgresVault_ItemsAndShares(t *testing.T) {
	t.Parallel()
	pool, schema := pgtest.Schema(t)
	ctx := context.Background()

	owner, recipient := ids.NewUUID(), ids.NewUUID()
	for _, id := range []string{owner, recipient} {
		if _, err := pool.Exec(ctx, `
			INSERT INTO `+pgx.Identifier{schema, "users"}.Sanitize()+` (id, email, password_hash, encrypted_dek)
			VALUES ($1, $2, 'x', 'x')
		`, id, id+"@example.com"); err != nil {
			t.Fatalf("insert user: %v", err)
		}
	}

	store, err := NewPostgresStore(pool, schema)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	itemID, _ := ids.NewULID(now)
	it := Item{
		ID: itemID, OwnerID: owner, Account: "alice", Issuer: "Example",
		EncryptedSecret: "owner-ct", Params: DefaultParams(), CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateItem(ctx, it); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	got, err := store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.OwnerID != owner || got.Params != DefaultParams() || got.EncryptedSecret != "owner-ct" {
		t.Fatalf("unexpected item: %+v", got)
	}

	sh := Share{ItemID: itemID, UserID: recipient, EncryptedSecret: "recipient-ct", CreatedAt: now}
	if err := store.PutShare(ctx, sh); err != nil {
		t.Fatalf("PutShare: %v", err)
	}
	if err := store.PutShare(ctx, sh); !identity.IsConflict(err) {
		t.Fatalf("duplicate share: expected conflict, got %v", err)
	}

	shared, err := store.ListSharedWith(ctx, recipient)
	if err != nil || len(shared) != 1 {
		t.Fatalf("ListSharedWith: len=%d err=%v", len(shared), err)
	}
	if shared[0].EncryptedSecret != "recipient-ct" {
		t.Fatalf("expected recipient ciphertext, got %q", shared[0].EncryptedSecret)
	}

	if err := store.DeleteItem(ctx, itemID, recipient); !identity.IsNotFound(err) {
		t.Fatalf("foreign delete: expected not found, got %v", err)
	}
	if err := store.DeleteItem(ctx, itemID, owner); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	shared, err = store.ListSharedWith(ctx, recipient)
	if err != nil || len(shared) != 0 {
		t.Fatalf("shares should cascade: len=%d err=%v", len(shared), err)
	}
}

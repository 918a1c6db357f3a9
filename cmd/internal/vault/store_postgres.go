package vault

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"otpvault/cmd/identity"
)

// PostgresStore keeps items in <schema>.totp_items and shares in
// <schema>.item_shares.
type PostgresStore struct {
	pool   *pgxpool.Pool
	items  string
	shares string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("vault: nil pool")
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("vault: invalid schema identifier")
	}
	return &PostgresStore{
		pool:   pool,
		items:  pgx.Identifier{schema, "totp_items"}.Sanitize(),
		shares: pgx.Identifier{schema, "item_shares"}.Sanitize(),
	}, nil
}

const itemColumns = `i.id, i.user_id::text, i.account, i.issuer, %s, i.algorithm, i.digits, i.period, i.created_at, i.updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Account, &it.Issuer, &it.EncryptedSecret,
		&it.Algorithm, &it.Digits, &it.Period, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (s *PostgresStore) CreateItem(ctx context.Context, it Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.items+` (
			id, user_id, account, issuer, encrypted_secret, algorithm, digits, period, created_at, updated_at
		) VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $9)
	`, it.ID, it.OwnerID, it.Account, it.Issuer, it.EncryptedSecret, it.Algorithm, it.Digits, it.Period, it.CreatedAt)
	return pgWrap("vault.CreateItem", err)
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+fmt.Sprintf(itemColumns, "i.encrypted_secret")+` FROM `+s.items+` i WHERE i.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, identity.NotFoundError{Op: "vault.GetItem", Resource: "item"}
	}
	return it, err
}

func (s *PostgresStore) ListOwned(ctx context.Context, userID string) ([]Item, error) {
	return s.list(ctx, `
		SELECT `+fmt.Sprintf(itemColumns, "i.encrypted_secret")+`
		  FROM `+s.items+` i
		 WHERE i.user_id = $1::uuid
		 ORDER BY i.id DESC
	`, userID)
}

func (s *PostgresStore) ListSharedWith(ctx context.Context, userID string) ([]Item, error) {
	return s.list(ctx, `
		SELECT `+fmt.Sprintf(itemColumns, "sh.encrypted_secret")+`
		  FROM `+s.shares+` sh
		  JOIN `+s.items+` i ON i.id = sh.item_id
		 WHERE sh.user_id = $1::uuid
		 ORDER BY i.id DESC
	`, userID)
}

func (s *PostgresStore) list(ctx context.Context, sql string, userID string) ([]Item, error) {
	rows, err := s.pool.Query(ctx, sql, userID)
	if err != nil {
		return nil, pgWrap("vault.list", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) { return scanItem(row) })
	if err != nil {
		return nil, pgWrap("vault.list", err)
	}
	return items, nil
}

// DeleteItem removes an item owned by ownerID; shares go with it (ON DELETE CASCADE).
func (s *PostgresStore) DeleteItem(ctx context.Context, id, ownerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.items+` WHERE id = $1 AND user_id = $2::uuid`, id, ownerID)
	if err != nil {
		return pgWrap("vault.DeleteItem", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.NotFoundError{Op: "vault.DeleteItem", Resource: "item"}
	}
	return nil
}

func (s *PostgresStore) PutShare(ctx context.Context, sh Share) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.shares+` (item_id, user_id, encrypted_secret, created_at)
		VALUES ($1, $2::uuid, $3, $4)
	`, sh.ItemID, sh.UserID, sh.EncryptedSecret, sh.CreatedAt)
	return pgWrap("vault.PutShare", err)
}

func (s *PostgresStore) DeleteShare(ctx context.Context, itemID, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.shares+` WHERE item_id = $1 AND user_id = $2::uuid`, itemID, userID)
	if err != nil {
		return pgWrap("vault.DeleteShare", err)
	}
	if tag.RowsAffected() == 0 {
		return identity.NotFoundError{Op: "vault.DeleteShare", Resource: "share"}
	}
	return nil
}

// pgWrap maps constraint errors onto the identity taxonomy: duplicate share
// is a conflict, a dangling reference or malformed id reads as not found.
func pgWrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return identity.ConflictError{Op: op, Field: "share"}
		case "23503", "22P02":
			return identity.NotFoundError{Op: op}
		}
	}
	return err
}

package apikey

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists API keys in <schema>.api_keys.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("apikey: nil pool")
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("apikey: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "api_keys"}.Sanitize()}, nil
}

const keyColumns = `id, user_id::text, name, prefix, key_hash, created_at, last_used_at, revoked_at`

func scanKey(row pgx.Row) (Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Key{}, ErrNotFound
	}
	return k, err
}

func (s *PostgresStore) Create(ctx context.Context, k Key) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table+` (id, user_id, name, prefix, key_hash, created_at)
		VALUES ($1, $2::uuid, $3, $4, $5, $6)
	`, k.ID, k.UserID, k.Name, k.Prefix, k.KeyHash, k.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: duplicate key", ErrInvalidInput)
	}
	return err
}

func (s *PostgresStore) GetByHash(ctx context.Context, keyHash string) (Key, error) {
	return scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM `+s.table+` WHERE key_hash = $1`, keyHash))
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Key, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM `+s.table+`
		 WHERE user_id = $1::uuid
		 ORDER BY id DESC
	`, userID)
	if err != nil {
		return nil, notFoundOnBadUUID(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Key, error) { return scanKey(row) })
}

func (s *PostgresStore) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE `+s.table+` SET last_used_at = $2 WHERE id = $1`, id, now)
	return err
}

// Revoke sets revoked_at only if the key is owned by userID and still live.
// When no row changes, a second lookup tells "already revoked" from "not yours".
func (s *PostgresStore) Revoke(ctx context.Context, id, userID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		   SET revoked_at = $3
		 WHERE id = $1 AND user_id = $2::uuid AND revoked_at IS NULL
	`, id, userID, now)
	if err != nil {
		return false, notFoundOnBadUUID(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table+` WHERE id = $1 AND user_id = $2::uuid)`,
		id, userID,
	).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		   SET revoked_at = $2
		 WHERE user_id = $1::uuid AND revoked_at IS NULL
	`, userID, now)
	if err != nil {
		return 0, notFoundOnBadUUID(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Delete(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE id = $1 AND user_id = $2::uuid`, id, userID)
	if err != nil {
		return notFoundOnBadUUID(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// notFoundOnBadUUID maps invalid_text_representation (a malformed owner id)
// to ErrNotFound.
func notFoundOnBadUUID(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ErrNotFound
	}
	return err
}

package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store never closes it.
// Conditional writes (cooldown, reset consumption) are single UPDATE statements,
// so concurrent callers are serialized by the row lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the schema holding the users table (default "vault").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "vault"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) users() string {
	return pgx.Identifier{s.schema, "users"}.Sanitize()
}

const userColumns = `id::text, email, password_hash, is_active, is_verified, encrypted_dek,
	reset_token_id, reset_requested_at, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u User) error {
	const op = "identity.CreateUser"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.users()+` (
		     id, email, password_hash, is_active, is_verified, encrypted_dek, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		u.ID, u.Email, u.PasswordHash, u.IsActive, u.IsVerified, u.EncryptedDEK, u.CreatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return ConflictError{Op: op, Field: field}
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return s.getOne(ctx, "identity.GetUserByID", `id = $1::uuid`, id)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getOne(ctx, "identity.GetUserByEmail", `email = $1`, email)
}

func (s *PostgresStore) getOne(ctx context.Context, op, where string, arg string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users()+` WHERE `+where, arg,
	).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsVerified, &u.EncryptedDEK,
		&u.ResetTokenID, &u.ResetRequestedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return User{}, pgWrap(op, err)
	}
	return u, nil
}

func (s *PostgresStore) MarkVerified(ctx context.Context, id string, now time.Time) (bool, error) {
	const op = "identity.MarkVerified"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+` SET is_verified = TRUE, updated_at = $2
		  WHERE id = $1::uuid AND is_verified = FALSE`,
		id, now,
	)
	if err != nil {
		return false, pgWrap(op, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, op, id)
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+` SET password_hash = $2, updated_at = $3 WHERE id = $1::uuid`,
		id, hash, now,
	)
	if err != nil {
		return pgWrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func (s *PostgresStore) SetResetToken(ctx context.Context, id, resetID string, now, notAfter time.Time) (bool, error) {
	const op = "identity.SetResetToken"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+`
		    SET reset_token_id = $2, reset_requested_at = $3, updated_at = $3
		  WHERE id = $1::uuid
		    AND (reset_requested_at IS NULL OR reset_requested_at <= $4)`,
		id, resetID, now, notAfter,
	)
	if err != nil {
		return false, pgWrap(op, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, op, id)
}

func (s *PostgresStore) ConsumeResetToken(ctx context.Context, id, resetID, hash string, now time.Time) (bool, error) {
	const op = "identity.ConsumeResetToken"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+`
		    SET password_hash = $3,
		        reset_token_id = NULL,
		        reset_requested_at = NULL,
		        is_verified = TRUE,
		        updated_at = $4
		  WHERE id = $1::uuid AND reset_token_id = $2`,
		id, resetID, hash, now,
	)
	if err != nil {
		return false, pgWrap(op, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.mustExist(ctx, op, id)
}

// mustExist distinguishes "condition not met" from "no such user" after a
// zero-row conditional update.
func (s *PostgresStore) mustExist(ctx context.Context, op, id string) error {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+s.users()+` WHERE id = $1::uuid`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFoundError{Op: op, Resource: "user"}
	}
	if err != nil {
		return pgWrap(op, err)
	}
	return nil
}

// SetActive toggles the active flag (operator action, no HTTP surface).
func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE `+s.users()+` SET is_active = $2, updated_at = now() WHERE id = $1::uuid`, id, active)
	return err
}

// pgWrap maps a malformed id (invalid_text_representation) to NotFoundError so
// callers never learn more than "absent".
func pgWrap(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case c == "uq_users_email", strings.Contains(c, "email"):
		return "email", true
	case c == "users_pkey":
		return "id", true
	default:
		return "unique", true
	}
}

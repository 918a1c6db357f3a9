package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// NewPostgresStore creates a Postgres-backed session store in schema.
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	if !pgIdentRe.MatchString(schema) {
		return nil, fmt.Errorf("session: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, table: pgx.Identifier{schema, "sessions"}.Sanitize()}, nil
}

const rowColumns = `id, user_id::text, parent_session_id, replaced_by_session_id, refresh_token_hash,
	COALESCE(user_agent, ''), host(ip), created_at, last_used_at, expires_at, revoked_at, revocation_reason`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (Row, error) {
	var (
		row Row
		ip  *string
	)
	err := sc.Scan(
		&row.ID,
		&row.UserID,
		&row.ParentSessionID,
		&row.ReplacedBySessionID,
		&row.RefreshTokenHash,
		&row.UserAgent,
		&ip,
		&row.CreatedAt,
		&row.LastUsedAt,
		&row.ExpiresAt,
		&row.RevokedAt,
		&row.RevocationReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Row{}, ErrSessionNotFound
	}
	if err != nil {
		return Row{}, err
	}
	if ip != nil {
		row.IP = net.ParseIP(*ip)
	}
	return row, nil
}

// Create inserts a new session row.
func (s *PostgresStore) Create(ctx context.Context, row Row) error {
	return insertRow(ctx, s.pool, s.table, row)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRow(ctx context.Context, db execer, table string, row Row) error {
	_, err := db.Exec(ctx, `
		INSERT INTO `+table+` (
			id, user_id, parent_session_id, refresh_token_hash,
			user_agent, ip, created_at, last_used_at, expires_at
		) VALUES (
			$1, $2::uuid, $3, $4,
			$5, $6::inet, $7, $7, $8
		)
	`, row.ID, row.UserID, row.ParentSessionID, row.RefreshTokenHash,
		nullIfEmpty(row.UserAgent), ipText(row.IP), row.CreatedAt, row.ExpiresAt)
	return err
}

// GetByID loads a session row by ID.
func (s *PostgresStore) GetByID(ctx context.Context, sessionID string) (Row, error) {
	return scanRow(s.pool.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+s.table+` WHERE id = $1`, sessionID))
}

// GetByRefreshHash loads a session row by refresh token hash.
func (s *PostgresStore) GetByRefreshHash(ctx context.Context, refreshHash string) (Row, error) {
	return scanRow(s.pool.QueryRow(ctx, `SELECT `+rowColumns+` FROM `+s.table+` WHERE refresh_token_hash = $1`, refreshHash))
}

// Rotate locks the old row, inserts its successor and marks it ROTATED in one
// transaction. The closing UPDATE is conditional on revoked_at IS NULL, so a
// concurrent rotation that got past the lock check still cannot win twice.
func (s *PostgresStore) Rotate(ctx context.Context, now time.Time, oldID string, next Row) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		expiresAt time.Time
		revokedAt *time.Time
	)
	err = tx.QueryRow(ctx, `SELECT expires_at, revoked_at FROM `+s.table+` WHERE id = $1 FOR UPDATE`, oldID).
		Scan(&expiresAt, &revokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if revokedAt != nil || !expiresAt.After(now) {
		return ErrRotationConflict
	}

	if err := insertRow(ctx, tx, s.table, next); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = $2,
		    last_used_at = $2,
		    replaced_by_session_id = $3,
		    revocation_reason = $4
		WHERE id = $1 AND revoked_at IS NULL
	`, oldID, now, next.ID, ReasonRotated)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrRotationConflict
	}

	return tx.Commit(ctx)
}

// Revoke revokes a single live session owned by userID.
func (s *PostgresStore) Revoke(ctx context.Context, now time.Time, sessionID, userID, reason string) (bool, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT user_id::text FROM `+s.table+` WHERE id = $1`, sessionID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != userID) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = $2, revocation_reason = $3
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID, now, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RevokeAll revokes every live session of a user.
func (s *PostgresStore) RevokeAll(ctx context.Context, now time.Time, userID, reason string) ([]string, error) {
	return s.collectIDs(ctx, `
		UPDATE `+s.table+`
		SET revoked_at = $2, revocation_reason = $3
		WHERE user_id = $1::uuid AND revoked_at IS NULL
		RETURNING id
	`, userID, now, reason)
}

// RevokeLineage revokes every live row connected to sessionID: its ancestors
// and all of their descendants.
func (s *PostgresStore) RevokeLineage(ctx context.Context, now time.Time, sessionID, reason string) ([]string, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM `+s.table+` WHERE id = $1`, sessionID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	return s.collectIDs(ctx, `
		WITH RECURSIVE up AS (
			SELECT id, parent_session_id FROM `+s.table+` WHERE id = $1
			UNION
			SELECT p.id, p.parent_session_id FROM `+s.table+` p JOIN up ON p.id = up.parent_session_id
		), down AS (
			SELECT id FROM up
			UNION
			SELECT c.id FROM `+s.table+` c JOIN down ON c.parent_session_id = down.id
		)
		UPDATE `+s.table+`
		SET revoked_at = $2, revocation_reason = $3
		WHERE id IN (SELECT id FROM down) AND revoked_at IS NULL
		RETURNING id
	`, sessionID, now, reason)
}

func (s *PostgresStore) collectIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListByUser returns a user's sessions, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+rowColumns+` FROM `+s.table+`
		WHERE user_id = $1::uuid
		ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func ipText(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

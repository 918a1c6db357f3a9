// Package pgtest provides opt-in PostgreSQL fixtures for store integration tests.
//
// Tests using it are skipped unless VAULT_DATABASE_URL is set. Outside CI an
// unreachable server also skips, so local runs stay fast.
package pgtest

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"otpvault/cmd/internal/migrations"
)

// EnvKey names the DSN variable integration tests read.
const EnvKey = "VAULT_DATABASE_URL"

// Schema opens a pool, migrates a fresh throwaway schema and drops it on cleanup.
// It returns the pool and the schema name to hand to store constructors.
func Schema(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(EnvKey))
	if dsn == "" {
		t.Skipf("integration test skipped: %s is not set", EnvKey)
	}

	pool := openPool(t, dsn)
	t.Cleanup(pool.Close)

	schema := "vault_it_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if _, err := migrations.Up(ctx, dsn, schema); err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	return pool, schema
}

func openPool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse %s: %v", EnvKey, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkip(err) {
			t.Skipf("integration test skipped: Postgres unreachable (%s set): %v", EnvKey, err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkip(err error) bool {
	if err == nil || os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "context deadline exceeded", "timeout", "dial tcp", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

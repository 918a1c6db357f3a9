// Package migrations embeds the vault's PostgreSQL schema and applies it with goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DefaultSchema is the PostgreSQL schema every store uses unless configured otherwise.
const DefaultSchema = "vault"

//go:embed sql/*.sql
var files embed.FS

var schemaRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Up creates schema if needed and applies every pending migration inside it.
// The returned version is the schema version after the run.
func Up(ctx context.Context, databaseURL, schema string) (int64, error) {
	db, err := open(ctx, databaseURL, schema)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(); err != nil {
		return 0, err
	}
	if err := goose.UpContext(ctx, db, "sql"); err != nil {
		return 0, fmt.Errorf("migrations: up: %w", err)
	}
	v, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("migrations: version: %w", err)
	}
	return v, nil
}

// Version reports the applied schema version without changing anything.
func Version(ctx context.Context, databaseURL, schema string) (int64, error) {
	db, err := open(ctx, databaseURL, schema)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(); err != nil {
		return 0, err
	}
	return goose.GetDBVersionContext(ctx, db)
}

// Down rolls back the most recent migration and returns the resulting version.
func Down(ctx context.Context, databaseURL, schema string) (int64, error) {
	db, err := open(ctx, databaseURL, schema)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	gooseMu.Lock()
	defer gooseMu.Unlock()

	if err := configure(); err != nil {
		return 0, err
	}
	if err := goose.DownContext(ctx, db, "sql"); err != nil {
		return 0, fmt.Errorf("migrations: down: %w", err)
	}
	return goose.GetDBVersionContext(ctx, db)
}

// Status describes one embedded migration.
type Status struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// List reports every embedded migration and whether it has been applied.
func List(ctx context.Context, databaseURL, schema string) ([]Status, error) {
	db, err := open(ctx, databaseURL, schema)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	sub, err := fs.Sub(files, "sql")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return nil, fmt.Errorf("migrations: provider: %w", err)
	}
	res, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrations: status: %w", err)
	}

	out := make([]Status, 0, len(res))
	for _, r := range res {
		out = append(out, Status{
			Version:   r.Source.Version,
			Name:      r.Source.Path,
			Applied:   r.State == goose.StateApplied,
			AppliedAt: r.AppliedAt,
		})
	}
	return out, nil
}

func configure() error {
	goose.SetBaseFS(files)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("pgx"); err != nil {
		return fmt.Errorf("migrations: dialect: %w", err)
	}
	return nil
}

// open returns a database/sql handle whose search_path is pinned to schema, so
// unqualified DDL and the goose version table land inside it.
func open(ctx context.Context, databaseURL, schema string) (*sql.DB, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = DefaultSchema
	}
	if !schemaRe.MatchString(schema) {
		return nil, fmt.Errorf("migrations: invalid schema identifier %q", schema)
	}

	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("migrations: parse database url: %w", err)
	}
	cfg.RuntimeParams["search_path"] = schema

	db := stdlib.OpenDB(*cfg)
	if _, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: create schema: %w", err)
	}
	return db, nil
}

package persist

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/login/*.sql migrations/world/*.sql
var migrations embed.FS

// RunLoginMigrations applies the login-side schema.
func RunLoginMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	return runMigrations(ctx, pool, "migrations/login")
}

// RunWorldMigrations applies the world-side schema.
func RunWorldMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	return runMigrations(ctx, pool, "migrations/world")
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Package db provides the Postgres connection, schema migration, and the Store used
// by the reconciler, the Discord command glue, and the admin endpoints.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres pool for dsn. The caller owns the handle and must Close it.
func Connect(dsn string) (*sql.DB, error) {
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	dbx.SetMaxOpenConns(16)
	dbx.SetMaxIdleConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	return dbx, nil
}

// Migrate applies idempotent schema statements. It is the fallback used when the
// versioned migration files are not shipped alongside the binary.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guilds (
			guild_id TEXT PRIMARY KEY,
			guild_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id BIGSERIAL PRIMARY KEY,
			guild_id TEXT NOT NULL REFERENCES guilds(guild_id) ON DELETE CASCADE,
			username TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT 'en',
			custom_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (guild_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS live_cache (
			username TEXT PRIMARY KEY,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			notified BOOLEAN NOT NULL DEFAULT FALSE,
			last_checked TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_username ON subscriptions(username)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

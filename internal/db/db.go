// internal/db/db.go
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Connect opens and pings the Postgres pool.
func Connect(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return conn, nil
}

// Migrate creates the schema if it does not exist. Job rows are the only
// durable state; rate buckets are ephemeral counters the janitor is free
// to purge once expired.
func Migrate(conn *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id UUID PRIMARY KEY,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			sender_id BIGINT NOT NULL,
			scheduled_time TIMESTAMPTZ NOT NULL,
			recipient_count INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_emails (
			id BIGSERIAL PRIMARY KEY,
			campaign_id UUID NOT NULL REFERENCES campaigns(id),
			recipient_email TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			sender_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			scheduled_time TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_emails_status
			ON scheduled_emails (status, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS rate_buckets (
			sender_id BIGINT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count INT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (sender_id, window_start)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

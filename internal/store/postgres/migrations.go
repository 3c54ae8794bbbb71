package postgres

import (
	"context"
	"fmt"
)

// Migration is one named schema change applied atomically.
type Migration struct {
	Name       string
	Statements []string
}

var migrations = []Migration{
	{
		Name: "0001_initial_schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS shows (
				show_id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				canonical_rss_url TEXT UNIQUE NOT NULL,
				publisher TEXT,
				lang TEXT,
				last_crawl_at TIMESTAMPTZ
			)`,
			`CREATE TABLE IF NOT EXISTS episodes (
				episode_id TEXT PRIMARY KEY,
				show_id TEXT NOT NULL REFERENCES shows(show_id),
				guid TEXT,
				title TEXT,
				pubdate TIMESTAMPTZ,
				duration_s INTEGER,
				audio_url TEXT,
				transcript_url TEXT,
				enclosure_type TEXT,
				explicit BOOLEAN,
				episode_type TEXT,
				season_n INTEGER,
				episode_n INTEGER,
				first_seen_at TIMESTAMPTZ,
				last_seen_at TIMESTAMPTZ,
				tombstoned BOOLEAN NOT NULL DEFAULT FALSE
			)`,
			`CREATE TABLE IF NOT EXISTS source_meta (
				resource_url TEXT PRIMARY KEY,
				etag TEXT,
				last_modified TEXT,
				last_status INTEGER,
				last_fetch_ts TIMESTAMPTZ,
				content_sha256 TEXT,
				bytes BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS provenance (
				object_type TEXT,
				object_id TEXT,
				source_url TEXT,
				fetched_at TIMESTAMPTZ,
				parser_version TEXT,
				notes TEXT,
				PRIMARY KEY (object_type, object_id, source_url, fetched_at)
			)`,
			`CREATE INDEX IF NOT EXISTS episodes_show_id_idx ON episodes (show_id)`,
		},
	},
	{
		Name: "0002_checkpoints",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS checkpoints (
				feed_url TEXT PRIMARY KEY,
				etag TEXT,
				last_modified TEXT,
				last_fetch_at TIMESTAMPTZ
			)`,
		},
	},
}

// Migrate applies all pending migrations in order. Each migration runs in
// its own transaction together with its schema_migrations row, so a
// failure leaves the database at a named, known version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		migration_name TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Name] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func (s *Store) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT migration_name FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan migration name: %w", err)
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (migration_name) VALUES ($1)`, m.Name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Package postgres provides the Postgres-backed durable store for shows,
// episodes, fetch state, provenance, and checkpoints.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/podthemes/podingest/internal/ingest"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements ingest.Store on Postgres.
type Store struct {
	pool dbPool
}

// New connects a pool using cfg and returns the store. Migrations are not
// run automatically; call Migrate before first use.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UpsertShow inserts the show or refreshes its mutable fields. The
// canonical URL is the identity key and never changes for a show_id.
func (s *Store) UpsertShow(ctx context.Context, show ingest.Show) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shows (show_id, title, canonical_rss_url, publisher, lang, last_crawl_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (show_id) DO UPDATE
		SET title = EXCLUDED.title,
		    publisher = EXCLUDED.publisher,
		    lang = EXCLUDED.lang,
		    last_crawl_at = EXCLUDED.last_crawl_at`,
		show.ShowID, show.Title, show.CanonicalRSSURL, show.Publisher, show.Language, show.LastCrawlAt)
	if err != nil {
		return fmt.Errorf("upsert show %s: %w", show.ShowID, err)
	}
	return nil
}

// GetShowByURL looks a show up by its canonical feed URL.
func (s *Store) GetShowByURL(ctx context.Context, canonicalURL string) (ingest.Show, bool, error) {
	var show ingest.Show
	err := s.pool.QueryRow(ctx, `
		SELECT show_id, title, canonical_rss_url, publisher, lang, last_crawl_at
		FROM shows WHERE canonical_rss_url = $1`, canonicalURL).
		Scan(&show.ShowID, &show.Title, &show.CanonicalRSSURL, &show.Publisher, &show.Language, &show.LastCrawlAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Show{}, false, nil
	}
	if err != nil {
		return ingest.Show{}, false, fmt.Errorf("get show by url %s: %w", canonicalURL, err)
	}
	return show, true, nil
}

// UpsertEpisode inserts the episode or refreshes its mutable fields,
// leaving first_seen_at and tombstoned untouched for existing rows. The
// xmax system column distinguishes a fresh insert from an update.
func (s *Store) UpsertEpisode(ctx context.Context, ep ingest.Episode) (bool, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO episodes (
			episode_id, show_id, guid, title, pubdate, duration_s,
			audio_url, transcript_url, enclosure_type, explicit,
			episode_type, season_n, episode_n, first_seen_at, last_seen_at, tombstoned
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (episode_id) DO UPDATE
		SET title = EXCLUDED.title,
		    pubdate = EXCLUDED.pubdate,
		    duration_s = EXCLUDED.duration_s,
		    audio_url = EXCLUDED.audio_url,
		    transcript_url = EXCLUDED.transcript_url,
		    enclosure_type = EXCLUDED.enclosure_type,
		    explicit = EXCLUDED.explicit,
		    episode_type = EXCLUDED.episode_type,
		    season_n = EXCLUDED.season_n,
		    episode_n = EXCLUDED.episode_n,
		    last_seen_at = EXCLUDED.last_seen_at
		RETURNING (xmax = 0)`,
		ep.EpisodeID, ep.ShowID, ep.GUID, ep.Title, ep.PublishDate, ep.DurationSeconds,
		ep.AudioURL, ep.TranscriptURL, ep.EnclosureMIME, ep.Explicit,
		ep.Type, ep.SeasonNumber, ep.EpisodeNumber, ep.FirstSeenAt, ep.LastSeenAt, ep.Tombstoned).
		Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert episode %s: %w", ep.EpisodeID, err)
	}
	return inserted, nil
}

// ListEpisodes returns a show's episodes ordered by publish date.
func (s *Store) ListEpisodes(ctx context.Context, showID string) ([]ingest.Episode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT episode_id, show_id, guid, title, pubdate, duration_s,
		       audio_url, transcript_url, enclosure_type, explicit,
		       episode_type, season_n, episode_n, first_seen_at, last_seen_at, tombstoned
		FROM episodes WHERE show_id = $1
		ORDER BY pubdate NULLS LAST, episode_id`, showID)
	if err != nil {
		return nil, fmt.Errorf("list episodes for %s: %w", showID, err)
	}
	defer rows.Close()

	var eps []ingest.Episode
	for rows.Next() {
		var ep ingest.Episode
		if err := rows.Scan(
			&ep.EpisodeID, &ep.ShowID, &ep.GUID, &ep.Title, &ep.PublishDate, &ep.DurationSeconds,
			&ep.AudioURL, &ep.TranscriptURL, &ep.EnclosureMIME, &ep.Explicit,
			&ep.Type, &ep.SeasonNumber, &ep.EpisodeNumber, &ep.FirstSeenAt, &ep.LastSeenAt, &ep.Tombstoned,
		); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// GetSourceMeta returns the stored fetch state for a resource URL.
func (s *Store) GetSourceMeta(ctx context.Context, resourceURL string) (ingest.SourceMeta, bool, error) {
	var meta ingest.SourceMeta
	err := s.pool.QueryRow(ctx, `
		SELECT resource_url, etag, last_modified, last_status, last_fetch_ts, content_sha256, bytes
		FROM source_meta WHERE resource_url = $1`, resourceURL).
		Scan(&meta.ResourceURL, &meta.ETag, &meta.LastModified, &meta.LastStatus,
			&meta.LastFetchAt, &meta.ContentHash, &meta.ByteCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.SourceMeta{}, false, nil
	}
	if err != nil {
		return ingest.SourceMeta{}, false, fmt.Errorf("get source meta %s: %w", resourceURL, err)
	}
	return meta, true, nil
}

// PutSourceMeta overwrites the fetch state row for a resource URL.
func (s *Store) PutSourceMeta(ctx context.Context, meta ingest.SourceMeta) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_meta (resource_url, etag, last_modified, last_status, last_fetch_ts, content_sha256, bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_url) DO UPDATE
		SET etag = EXCLUDED.etag,
		    last_modified = EXCLUDED.last_modified,
		    last_status = EXCLUDED.last_status,
		    last_fetch_ts = EXCLUDED.last_fetch_ts,
		    content_sha256 = EXCLUDED.content_sha256,
		    bytes = EXCLUDED.bytes`,
		meta.ResourceURL, meta.ETag, meta.LastModified, meta.LastStatus,
		meta.LastFetchAt, meta.ContentHash, meta.ByteCount)
	if err != nil {
		return fmt.Errorf("put source meta %s: %w", meta.ResourceURL, err)
	}
	return nil
}

// AppendProvenance records one audit row. Re-recording the same row is a
// no-op so replayed crawls stay idempotent.
func (s *Store) AppendProvenance(ctx context.Context, row ingest.Provenance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO provenance (object_type, object_id, source_url, fetched_at, parser_version, notes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (object_type, object_id, source_url, fetched_at) DO NOTHING`,
		row.ObjectType, row.ObjectID, row.SourceURL, row.FetchedAt, row.ParserVersion, row.Notes)
	if err != nil {
		return fmt.Errorf("append provenance for %s %s: %w", row.ObjectType, row.ObjectID, err)
	}
	return nil
}

// LoadCheckpoint returns the stored conditional-fetch validators for a feed.
func (s *Store) LoadCheckpoint(ctx context.Context, feedURL string) (ingest.Checkpoint, bool, error) {
	var cp ingest.Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT feed_url, etag, last_modified, last_fetch_at
		FROM checkpoints WHERE feed_url = $1`, feedURL).
		Scan(&cp.FeedURL, &cp.ETag, &cp.LastModified, &cp.LastFetchAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.Checkpoint{}, false, nil
	}
	if err != nil {
		return ingest.Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", feedURL, err)
	}
	return cp, true, nil
}

// SaveCheckpoint overwrites the checkpoint row for a feed URL.
func (s *Store) SaveCheckpoint(ctx context.Context, cp ingest.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (feed_url, etag, last_modified, last_fetch_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_url) DO UPDATE
		SET etag = EXCLUDED.etag,
		    last_modified = EXCLUDED.last_modified,
		    last_fetch_at = EXCLUDED.last_fetch_at`,
		cp.FeedURL, cp.ETag, cp.LastModified, cp.LastFetchAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.FeedURL, err)
	}
	return nil
}

package ingest

import (
	"context"
	"time"
)

// ShowStore persists show rows keyed by canonical feed URL.
type ShowStore interface {
	UpsertShow(ctx context.Context, show Show) error
	GetShowByURL(ctx context.Context, canonicalURL string) (Show, bool, error)
}

// EpisodeStore persists episode rows keyed by episode ID.
type EpisodeStore interface {
	UpsertEpisode(ctx context.Context, ep Episode) (inserted bool, err error)
	ListEpisodes(ctx context.Context, showID string) ([]Episode, error)
}

// SourceMetaStore holds one fetch-state row per resource URL.
type SourceMetaStore interface {
	GetSourceMeta(ctx context.Context, resourceURL string) (SourceMeta, bool, error)
	PutSourceMeta(ctx context.Context, meta SourceMeta) error
}

// ProvenanceStore appends audit rows; rows are never updated or deleted.
type ProvenanceStore interface {
	AppendProvenance(ctx context.Context, row Provenance) error
}

// CheckpointStore persists conditional-fetch validators per feed URL.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, feedURL string) (Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// Store aggregates the durable-store facets the pipeline needs.
type Store interface {
	ShowStore
	EpisodeStore
	SourceMetaStore
	ProvenanceStore
	CheckpointStore
}

// BlobStore is a content-addressed cache of fetched bodies.
type BlobStore interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Has(ctx context.Context, hash string) (bool, error)
}

// Fetcher performs one polite, cached, conditional fetch of a feed URL.
type Fetcher interface {
	FetchFeed(ctx context.Context, url string, cp *Checkpoint) (FetchResult, error)
}

// RobotsPolicy decides whether a URL may be fetched.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// HostLimiter paces outbound requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, host string) error
}

// Resolver maps a configured identifier to a canonical HTTPS feed URL.
type Resolver interface {
	Resolve(ctx context.Context, src FeedSource) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

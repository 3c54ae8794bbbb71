// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"time"
)

// IdentifierKind declares how a configured feed source should be resolved.
type IdentifierKind string

// Identifier kinds accepted in configuration.
const (
	KindFeedURL   IdentifierKind = "feed_url"
	KindCatalogID IdentifierKind = "catalog_id"
	KindTitle     IdentifierKind = "title"
)

// FeedSource is one configured feed to ingest.
type FeedSource struct {
	Identifier string         `json:"identifier" mapstructure:"identifier"`
	Kind       IdentifierKind `json:"kind" mapstructure:"kind"`
}

// Show is the durable record for one podcast feed.
type Show struct {
	ShowID          string    `json:"show_id"`
	Title           string    `json:"title"`
	CanonicalRSSURL string    `json:"canonical_rss_url"`
	Publisher       string    `json:"publisher"`
	Language        string    `json:"language"`
	LastCrawlAt     time.Time `json:"last_crawl_at"`
}

// EpisodeType enumerates the normalized episode classification.
type EpisodeType string

// Episode type values persisted in the episode store.
const (
	EpisodeTypeFull    EpisodeType = "full"
	EpisodeTypeTrailer EpisodeType = "trailer"
	EpisodeTypeBonus   EpisodeType = "bonus"
)

// Episode is the durable, normalized record for one feed item.
type Episode struct {
	EpisodeID       string      `json:"episode_id"`
	ShowID          string      `json:"show_id"`
	GUID            string      `json:"guid"`
	Title           string      `json:"title"`
	PublishDate     *time.Time  `json:"publish_date,omitempty"`
	DurationSeconds int         `json:"duration_seconds"`
	AudioURL        string      `json:"audio_url"`
	TranscriptURL   string      `json:"transcript_url,omitempty"`
	EnclosureMIME   string      `json:"enclosure_mime_type"`
	Explicit        bool        `json:"explicit"`
	Type            EpisodeType `json:"episode_type"`
	SeasonNumber    int         `json:"season_number"`
	EpisodeNumber   int         `json:"episode_number"`
	FirstSeenAt     time.Time   `json:"first_seen_at"`
	LastSeenAt      time.Time   `json:"last_seen_at"`
	Tombstoned      bool        `json:"tombstoned"`
}

// TranscriptCandidate is one declared transcript link with its media type.
type TranscriptCandidate struct {
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// RawEpisode is the parser's per-item output before normalization.
type RawEpisode struct {
	GUID           string
	Title          string
	PublishDateRaw string
	PublishDate    *time.Time
	DurationRaw    string
	AudioURL       string
	EnclosureMIME  string
	ExplicitRaw    string
	EpisodeTypeRaw string
	SeasonNumber   int
	EpisodeNumber  int
	Transcripts    []TranscriptCandidate
	ParseNotes     []string
}

// ParsedFeed bundles one show descriptor with its ordered episode descriptors.
type ParsedFeed struct {
	Title     string
	Publisher string
	Language  string
	Episodes  []RawEpisode
}

// SourceMeta records the fetch state of one remote resource URL.
type SourceMeta struct {
	ResourceURL  string    `json:"resource_url"`
	ETag         string    `json:"etag"`
	LastModified string    `json:"last_modified"`
	LastStatus   int       `json:"last_status"`
	LastFetchAt  time.Time `json:"last_fetch_at"`
	ContentHash  string    `json:"content_hash"`
	ByteCount    int64     `json:"byte_count"`
}

// ObjectType labels provenance rows.
type ObjectType string

// Provenance object types.
const (
	ObjectShow    ObjectType = "show"
	ObjectEpisode ObjectType = "episode"
)

// Provenance is one append-only audit row linking a stored object to a fetch.
type Provenance struct {
	ObjectType    ObjectType `json:"object_type"`
	ObjectID      string     `json:"object_id"`
	SourceURL     string     `json:"source_url"`
	FetchedAt     time.Time  `json:"fetched_at"`
	ParserVersion string     `json:"parser_version"`
	Notes         string     `json:"notes"`
}

// Checkpoint holds the conditional-fetch validators persisted per feed URL.
type Checkpoint struct {
	FeedURL      string    `json:"feed_url"`
	ETag         string    `json:"etag"`
	LastModified string    `json:"last_modified"`
	LastFetchAt  time.Time `json:"last_fetch_at"`
}

// FetchResult is returned by the feed client for one logical fetch.
type FetchResult struct {
	URL          string
	StatusCode   int
	NotModified  bool
	Body         []byte
	ContentHash  string
	ETag         string
	LastModified string
	Latency      time.Duration
	ByteCount    int64
	CacheHit     bool
	TraceID      string
}

// FeedOutcome classifies how one feed's unit of work finished.
type FeedOutcome string

// Feed outcomes reported in the run summary.
const (
	OutcomeUpdated     FeedOutcome = "updated"
	OutcomeNotModified FeedOutcome = "not_modified"
	OutcomeFailed      FeedOutcome = "failed"
)

// FeedReport captures per-feed counts for the run summary.
type FeedReport struct {
	Identifier       string      `json:"identifier"`
	FeedURL          string      `json:"feed_url,omitempty"`
	Outcome          FeedOutcome `json:"outcome"`
	FailureCode      FailureCode `json:"failure_code,omitempty"`
	EpisodesUpserted int         `json:"episodes_upserted"`
	EpisodesSkipped  int         `json:"episodes_skipped"`
}

// RunSummary aggregates the results of one crawl or refresh invocation.
type RunSummary struct {
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at"`
	FeedsProcessed   int                 `json:"feeds_processed"`
	FeedsNotModified int                 `json:"feeds_not_modified"`
	FeedsFailed      int                 `json:"feeds_failed"`
	EpisodesUpserted int                 `json:"episodes_upserted"`
	EpisodesSkipped  int                 `json:"episodes_skipped"`
	FailuresByCode   map[FailureCode]int `json:"failures_by_code,omitempty"`
	Feeds            []FeedReport        `json:"feeds"`
}

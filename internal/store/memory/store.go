// Package memory provides an in-memory Store for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/podthemes/podingest/internal/ingest"
)

// Store implements ingest.Store with mutex-guarded maps.
type Store struct {
	mu          sync.RWMutex
	shows       map[string]ingest.Show // keyed by canonical RSS URL
	episodes    map[string]ingest.Episode
	sourceMeta  map[string]ingest.SourceMeta
	provenance  []ingest.Provenance
	checkpoints map[string]ingest.Checkpoint
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		shows:       make(map[string]ingest.Show),
		episodes:    make(map[string]ingest.Episode),
		sourceMeta:  make(map[string]ingest.SourceMeta),
		checkpoints: make(map[string]ingest.Checkpoint),
	}
}

// UpsertShow inserts or updates the show row for its canonical URL.
func (s *Store) UpsertShow(_ context.Context, show ingest.Show) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shows[show.CanonicalRSSURL] = show
	return nil
}

// GetShowByURL returns the show stored under canonicalURL.
func (s *Store) GetShowByURL(_ context.Context, canonicalURL string) (ingest.Show, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	show, ok := s.shows[canonicalURL]
	return show, ok, nil
}

// UpsertEpisode inserts ep or refreshes its mutable fields, preserving
// FirstSeenAt once set. The bool reports whether a new row was created.
func (s *Store) UpsertEpisode(_ context.Context, ep ingest.Episode) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.episodes[ep.EpisodeID]
	if ok {
		ep.FirstSeenAt = existing.FirstSeenAt
		ep.Tombstoned = existing.Tombstoned
	}
	s.episodes[ep.EpisodeID] = ep
	return !ok, nil
}

// ListEpisodes returns showID's episodes ordered by publish date, with
// undated episodes last, matching the durable store's ordering.
func (s *Store) ListEpisodes(_ context.Context, showID string) ([]ingest.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ingest.Episode
	for _, ep := range s.episodes {
		if ep.ShowID == showID {
			out = append(out, ep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.PublishDate == nil && b.PublishDate == nil:
			return a.EpisodeID < b.EpisodeID
		case a.PublishDate == nil:
			return false
		case b.PublishDate == nil:
			return true
		case a.PublishDate.Equal(*b.PublishDate):
			return a.EpisodeID < b.EpisodeID
		default:
			return a.PublishDate.Before(*b.PublishDate)
		}
	})
	return out, nil
}

// GetSourceMeta returns the fetch state for resourceURL.
func (s *Store) GetSourceMeta(_ context.Context, resourceURL string) (ingest.SourceMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.sourceMeta[resourceURL]
	return meta, ok, nil
}

// PutSourceMeta overwrites the fetch state row for its resource URL.
func (s *Store) PutSourceMeta(_ context.Context, meta ingest.SourceMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sourceMeta[meta.ResourceURL] = meta
	return nil
}

// AppendProvenance appends one audit row.
func (s *Store) AppendProvenance(_ context.Context, row ingest.Provenance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provenance = append(s.provenance, row)
	return nil
}

// LoadCheckpoint returns the stored validators for feedURL.
func (s *Store) LoadCheckpoint(_ context.Context, feedURL string) (ingest.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[feedURL]
	return cp, ok, nil
}

// SaveCheckpoint overwrites the validators for the checkpoint's feed URL.
func (s *Store) SaveCheckpoint(_ context.Context, cp ingest.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.FeedURL] = cp
	return nil
}

// Provenance returns a copy of the append-only audit log.
func (s *Store) Provenance() []ingest.Provenance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.Provenance, len(s.provenance))
	copy(out, s.provenance)
	return out
}

// EpisodeCount returns the number of stored episodes.
func (s *Store) EpisodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes)
}

// ShowCount returns the number of stored shows.
func (s *Store) ShowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.shows)
}

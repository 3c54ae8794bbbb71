package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/blob"
	"github.com/podthemes/podingest/internal/feedparse"
	"github.com/podthemes/podingest/internal/fetch"
	"github.com/podthemes/podingest/internal/ingest"
	"github.com/podthemes/podingest/internal/ratelimit"
	"github.com/podthemes/podingest/internal/store/memory"
)

const fixtureFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Deep Currents</title>
    <language>en-us</language>
    <itunes:author>Tidal Audio</itunes:author>
    <item>
      <title>One</title>
      <guid>ep-1</guid>
      <pubDate>Mon, 05 Jan 2026 08:00:00 GMT</pubDate>
      <enclosure url="https://cdn.example.com/1.mp3" type="audio/mpeg"/>
    </item>
    <item>
      <title>Two</title>
      <guid>ep-2</guid>
      <pubDate>Mon, 12 Jan 2026 08:00:00 GMT</pubDate>
      <enclosure url="https://cdn.example.com/2.mp3" type="audio/mpeg"/>
    </item>
    <item>
      <title>Three</title>
      <guid>ep-3</guid>
      <pubDate>Mon, 19 Jan 2026 08:00:00 GMT</pubDate>
      <enclosure url="https://cdn.example.com/3.mp3" type="audio/mpeg"/>
    </item>
  </channel>
</rss>`

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, src ingest.FeedSource) (string, error) {
	return src.Identifier, nil
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string) bool { return true }

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingParser struct {
	inner *feedparse.Parser
	calls atomic.Int64
}

func (p *countingParser) Parse(data []byte) (ingest.ParsedFeed, error) {
	p.calls.Add(1)
	return p.inner.Parse(data)
}

// conditionalFeedServer serves the fixture with an ETag and answers 304
// once the client presents it.
func conditionalFeedServer(t *testing.T, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestPool(t *testing.T, store ingest.Store, clock ingest.Clock, parser FeedParser, workers int) *Pool {
	t.Helper()
	client := fetch.New(
		fetch.Config{UserAgent: "podingest-test/1", Timeout: 5 * time.Second},
		nil,
		ratelimit.New(ratelimit.Config{}),
		allowAll{},
		store,
		blob.NewMemoryStore(),
		ingest.NewExponentialRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
		clock,
		zap.NewNop(),
	)
	return NewPool(Config{Workers: workers}, stubResolver{}, client, parser, store, clock, zap.NewNop())
}

func TestCrawlThenRefreshNotModified(t *testing.T) {
	t.Parallel()

	srv, hits := conditionalFeedServer(t, fixtureFeed)
	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	parser := &countingParser{inner: feedparse.New()}
	pool := newTestPool(t, store, clock, parser, 2)

	sources := []ingest.FeedSource{{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL}}

	first := pool.Run(context.Background(), sources, ModeCrawl)
	require.Equal(t, 1, first.FeedsProcessed)
	require.Equal(t, 3, first.EpisodesUpserted)
	require.Zero(t, first.FeedsFailed)
	require.Equal(t, 1, store.ShowCount())
	require.Equal(t, 3, store.EpisodeCount())

	show, found, err := store.GetShowByURL(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "Deep Currents", show.Title)

	eps, err := store.ListEpisodes(context.Background(), show.ShowID)
	require.NoError(t, err)
	require.Len(t, eps, 3)
	for _, ep := range eps {
		require.Equal(t, ep.FirstSeenAt, ep.LastSeenAt)
	}

	clock.Advance(time.Hour)

	second := pool.Run(context.Background(), sources, ModeRefresh)
	require.Equal(t, 1, second.FeedsNotModified)
	require.Zero(t, second.EpisodesUpserted)
	require.Equal(t, 3, second.EpisodesSkipped)

	// The 304 short-circuits before the parser.
	require.Equal(t, int64(1), parser.calls.Load())
	require.Equal(t, int64(2), hits.Load())

	after, err := store.ListEpisodes(context.Background(), show.ShowID)
	require.NoError(t, err)
	require.Equal(t, eps, after)

	cp, found, err := store.LoadCheckpoint(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `"v1"`, cp.ETag)
}

func TestRepeatCrawlIsIdempotent(t *testing.T) {
	t.Parallel()

	// This server never honors validators, so both crawls parse bodies.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(fixtureFeed))
	}))
	t.Cleanup(srv.Close)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 1)
	sources := []ingest.FeedSource{{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL}}

	pool.Run(context.Background(), sources, ModeCrawl)
	firstSeen := clock.Now()
	clock.Advance(time.Hour)
	pool.Run(context.Background(), sources, ModeCrawl)

	require.Equal(t, 1, store.ShowCount())
	require.Equal(t, 3, store.EpisodeCount())

	show, _, err := store.GetShowByURL(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	eps, err := store.ListEpisodes(context.Background(), show.ShowID)
	require.NoError(t, err)
	for _, ep := range eps {
		require.Equal(t, firstSeen, ep.FirstSeenAt)
		require.Equal(t, firstSeen.Add(time.Hour), ep.LastSeenAt)
	}
}

func TestOneFeedFailureDoesNotAbortOthers(t *testing.T) {
	t.Parallel()

	good, _ := conditionalFeedServer(t, fixtureFeed)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(bad.Close)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 2)

	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: bad.URL + "/feed.xml", Kind: ingest.KindFeedURL},
		{Identifier: good.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	require.Equal(t, 2, summary.FeedsProcessed)
	require.Equal(t, 1, summary.FeedsFailed)
	require.Equal(t, 3, summary.EpisodesUpserted)
	require.Equal(t, 1, summary.FailuresByCode[ingest.CodeHTTP4xx])
	require.Equal(t, 3, store.EpisodeCount())
}

func TestSchemaViolationWritesNothing(t *testing.T) {
	t.Parallel()

	noEnclosure := `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Broken</title>
<item><title>No Audio</title><guid>x-1</guid></item>
</channel></rss>`
	srv, _ := conditionalFeedServer(t, noEnclosure)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 1)

	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	require.Equal(t, 1, summary.FeedsFailed)
	require.Equal(t, 1, summary.FailuresByCode[ingest.CodeSchemaViolation])
	require.Zero(t, store.ShowCount())
	require.Zero(t, store.EpisodeCount())

	// No persistence, no checkpoint.
	_, found, err := store.LoadCheckpoint(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	require.False(t, found)
}

func TestMalformedFeedFailsWithParserCode(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("definitely not xml"))
	}))
	t.Cleanup(srv.Close)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 1)

	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	require.Equal(t, 1, summary.FailuresByCode[ingest.CodeParserInvalidXML])
}

func TestDuplicateSourcesCollapse(t *testing.T) {
	t.Parallel()

	srv, hits := conditionalFeedServer(t, fixtureFeed)
	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 4)

	url := srv.URL + "/feed.xml"
	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: url, Kind: ingest.KindFeedURL},
		{Identifier: url, Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	require.Equal(t, 1, summary.FeedsProcessed)
	require.Equal(t, int64(1), hits.Load())
}

func TestStoredEpisodeKeepsTopRankedTranscript(t *testing.T) {
	t.Parallel()

	withTranscripts := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:podcast="https://podcastindex.org/namespace/1.0">
  <channel>
    <title>Transcribed</title>
    <item>
      <title>Captioned</title>
      <guid>ep-t</guid>
      <enclosure url="https://cdn.example.com/t.mp3" type="audio/mpeg"/>
      <podcast:transcript url="https://cdn.example.com/t.txt" type="text/plain"/>
      <podcast:transcript url="https://cdn.example.com/t.srt" type="application/srt"/>
    </item>
  </channel>
</rss>`
	srv, _ := conditionalFeedServer(t, withTranscripts)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 1)

	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)
	require.Zero(t, summary.FeedsFailed)

	show, found, err := store.GetShowByURL(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	require.True(t, found)
	eps, err := store.ListEpisodes(context.Background(), show.ShowID)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, "https://cdn.example.com/t.srt", eps[0].TranscriptURL)
}

// aliasResolver maps every identifier to one feed URL, the way a catalog ID
// and the raw URL can name the same feed.
type aliasResolver struct{ target string }

func (r aliasResolver) Resolve(context.Context, ingest.FeedSource) (string, error) {
	return r.target, nil
}

func TestAliasedSourcesSerializeOnResolvedURL(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(fixtureFeed))
	}))
	t.Cleanup(srv.Close)

	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	client := fetch.New(
		fetch.Config{UserAgent: "podingest-test/1", Timeout: 5 * time.Second},
		nil,
		ratelimit.New(ratelimit.Config{}),
		allowAll{},
		store,
		blob.NewMemoryStore(),
		ingest.NewExponentialRetryPolicy(2, time.Millisecond, 5*time.Millisecond),
		clock,
		zap.NewNop(),
	)
	pool := NewPool(Config{Workers: 2}, aliasResolver{target: srv.URL + "/feed.xml"}, client, nil, store, clock, zap.NewNop())

	summary := pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: "itunes:42", Kind: ingest.KindCatalogID},
		{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	require.Equal(t, 2, summary.FeedsProcessed)
	require.Zero(t, summary.FeedsFailed)
	require.Equal(t, int64(1), peak.Load())
	require.Equal(t, 1, store.ShowCount())
	require.Equal(t, 3, store.EpisodeCount())
}

func TestProvenanceRecordedPerObject(t *testing.T) {
	t.Parallel()

	srv, _ := conditionalFeedServer(t, fixtureFeed)
	store := memory.New()
	clock := &manualClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	pool := newTestPool(t, store, clock, nil, 1)

	pool.Run(context.Background(), []ingest.FeedSource{
		{Identifier: srv.URL + "/feed.xml", Kind: ingest.KindFeedURL},
	}, ModeCrawl)

	rows := store.Provenance()
	require.Len(t, rows, 4)

	shows, episodes := 0, 0
	for _, row := range rows {
		require.Equal(t, feedparse.Version, row.ParserVersion)
		switch row.ObjectType {
		case ingest.ObjectShow:
			shows++
		case ingest.ObjectEpisode:
			episodes++
		}
	}
	require.Equal(t, 1, shows)
	require.Equal(t, 3, episodes)
}

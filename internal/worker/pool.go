// Package worker runs the per-feed ingestion pipeline over a bounded
// pool of concurrent workers.
package worker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/feedparse"
	"github.com/podthemes/podingest/internal/ingest"
	"github.com/podthemes/podingest/internal/metrics"
	"github.com/podthemes/podingest/internal/normalize"
)

// Mode selects whether checkpoints are consulted before fetching.
type Mode string

// Run modes.
const (
	ModeCrawl   Mode = "crawl"
	ModeRefresh Mode = "refresh"
)

// codeInternal labels failures outside the classified taxonomy, such as
// storage errors on a single feed.
const codeInternal ingest.FailureCode = "INTERNAL"

// FeedParser parses one fetched feed document.
type FeedParser interface {
	Parse(data []byte) (ingest.ParsedFeed, error)
}

// Config controls pool fan-out and per-feed deadlines.
type Config struct {
	Workers      int
	FeedDeadline time.Duration
}

// urlLocks hands out one mutex per feed URL so two units of work never
// touch the same show and checkpoint rows concurrently.
type urlLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newURLLocks() *urlLocks {
	return &urlLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *urlLocks) lock(feedURL string) func() {
	l.mu.Lock()
	m, ok := l.locks[feedURL]
	if !ok {
		m = &sync.Mutex{}
		l.locks[feedURL] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Pool fans configured feed sources out to workers. Exclusion is keyed on
// the resolved feed URL: distinct identifiers (a raw URL and a catalog ID,
// say) can name the same feed and must still serialize.
type Pool struct {
	cfg      Config
	resolver ingest.Resolver
	fetcher  ingest.Fetcher
	parser   FeedParser
	store    ingest.Store
	clock    ingest.Clock
	logger   *zap.Logger
	urls     *urlLocks
}

// NewPool wires the pipeline stages together.
func NewPool(
	cfg Config,
	resolver ingest.Resolver,
	fetcher ingest.Fetcher,
	parser FeedParser,
	store ingest.Store,
	clock ingest.Clock,
	logger *zap.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if parser == nil {
		parser = feedparse.New()
	}
	if clock == nil {
		clock = ingest.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		resolver: resolver,
		fetcher:  fetcher,
		parser:   parser,
		store:    store,
		clock:    clock,
		logger:   logger,
		urls:     newURLLocks(),
	}
}

// Run processes every source and returns the aggregated summary. One
// feed's failure never aborts the run for other feeds.
func (p *Pool) Run(ctx context.Context, sources []ingest.FeedSource, mode Mode) ingest.RunSummary {
	summary := ingest.RunSummary{
		StartedAt:      p.clock.Now(),
		FailuresByCode: make(map[ingest.FailureCode]int),
	}

	// Duplicate identifiers collapse to one unit of work up front;
	// identifiers that only converge after resolution serialize on the
	// per-URL lock inside processFeed.
	seen := make(map[string]bool, len(sources))
	unique := sources[:0:0]
	for _, src := range sources {
		if seen[src.Identifier] {
			continue
		}
		seen[src.Identifier] = true
		unique = append(unique, src)
	}

	jobs := make(chan ingest.FeedSource)
	reports := make(chan ingest.FeedReport)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for src := range jobs {
				reports <- p.processFeed(ctx, src, mode)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, src := range unique {
			select {
			case jobs <- src:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(reports)
	}()

	for report := range reports {
		summary.Feeds = append(summary.Feeds, report)
		summary.FeedsProcessed++
		summary.EpisodesUpserted += report.EpisodesUpserted
		summary.EpisodesSkipped += report.EpisodesSkipped
		switch report.Outcome {
		case ingest.OutcomeNotModified:
			summary.FeedsNotModified++
		case ingest.OutcomeFailed:
			summary.FeedsFailed++
			summary.FailuresByCode[report.FailureCode]++
		}
	}
	sort.Slice(summary.Feeds, func(i, j int) bool {
		return summary.Feeds[i].Identifier < summary.Feeds[j].Identifier
	})
	summary.FinishedAt = p.clock.Now()
	return summary
}

func (p *Pool) processFeed(ctx context.Context, src ingest.FeedSource, mode Mode) ingest.FeedReport {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if p.cfg.FeedDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FeedDeadline)
		defer cancel()
	}

	report := ingest.FeedReport{Identifier: src.Identifier}

	feedURL, err := p.resolver.Resolve(ctx, src)
	if err != nil {
		return p.fail(report, src.Identifier, err)
	}
	report.FeedURL = feedURL

	unlock := p.urls.lock(feedURL)
	defer unlock()

	var cp *ingest.Checkpoint
	if mode == ModeRefresh {
		loaded, found, err := p.store.LoadCheckpoint(ctx, feedURL)
		if err != nil {
			return p.fail(report, feedURL, err)
		}
		if found {
			cp = &loaded
		}
	}

	result, err := p.fetcher.FetchFeed(ctx, feedURL, cp)
	if err != nil {
		return p.fail(report, feedURL, err)
	}

	if result.NotModified {
		return p.finishNotModified(ctx, report, result)
	}

	parsed, err := p.parser.Parse(result.Body)
	if err != nil {
		return p.fail(report, feedURL, err)
	}
	upserted, err := p.persist(ctx, feedURL, parsed)
	if err != nil {
		return p.fail(report, feedURL, err)
	}
	report.EpisodesUpserted = upserted

	// Checkpoint advances only after persistence, so a crash mid-feed
	// re-fetches and re-derives the same idempotent rows next run.
	if err := p.saveCheckpoint(ctx, result); err != nil {
		return p.fail(report, feedURL, err)
	}

	report.Outcome = ingest.OutcomeUpdated
	metrics.ObserveFeed(string(ingest.OutcomeUpdated))
	metrics.ObserveEpisodes("upserted", upserted)
	p.logger.Info("feed updated",
		zap.String("feed_url", feedURL),
		zap.String("trace_id", result.TraceID),
		zap.Int("episodes_upserted", upserted))
	return report
}

// persist normalizes the whole feed before writing anything, so a schema
// violation on any item fails the feed without partial episode writes.
func (p *Pool) persist(ctx context.Context, feedURL string, parsed ingest.ParsedFeed) (int, error) {
	now := p.clock.Now()

	show, err := normalize.Show(parsed, feedURL, now)
	if err != nil {
		return 0, err
	}

	type normalized struct {
		ep    ingest.Episode
		notes []string
	}
	episodes := make([]normalized, 0, len(parsed.Episodes))
	for _, raw := range parsed.Episodes {
		ep, notes, err := normalize.Episode(feedURL, show.ShowID, raw, now)
		if err != nil {
			return 0, err
		}
		// Candidates arrive ranked; the stored row keeps exactly one URL.
		if len(raw.Transcripts) > 0 {
			ep.TranscriptURL = raw.Transcripts[0].URL
		}
		episodes = append(episodes, normalized{ep: ep, notes: notes})
	}

	if err := p.store.UpsertShow(ctx, show); err != nil {
		return 0, err
	}
	if err := p.store.AppendProvenance(ctx, ingest.Provenance{
		ObjectType:    ingest.ObjectShow,
		ObjectID:      show.ShowID,
		SourceURL:     feedURL,
		FetchedAt:     now,
		ParserVersion: feedparse.Version,
	}); err != nil {
		return 0, err
	}

	upserted := 0
	for _, n := range episodes {
		if _, err := p.store.UpsertEpisode(ctx, n.ep); err != nil {
			return upserted, err
		}
		upserted++
		if err := p.store.AppendProvenance(ctx, ingest.Provenance{
			ObjectType:    ingest.ObjectEpisode,
			ObjectID:      n.ep.EpisodeID,
			SourceURL:     feedURL,
			FetchedAt:     now,
			ParserVersion: feedparse.Version,
			Notes:         strings.Join(n.notes, "; "),
		}); err != nil {
			return upserted, err
		}
	}
	return upserted, nil
}

// finishNotModified counts the untouched rows as skipped and refreshes
// the checkpoint timestamp without touching show or episode rows.
func (p *Pool) finishNotModified(ctx context.Context, report ingest.FeedReport, result ingest.FetchResult) ingest.FeedReport {
	skipped := 0
	if show, found, err := p.store.GetShowByURL(ctx, result.URL); err == nil && found {
		if eps, err := p.store.ListEpisodes(ctx, show.ShowID); err == nil {
			skipped = len(eps)
		}
	}
	report.EpisodesSkipped = skipped

	if err := p.saveCheckpoint(ctx, result); err != nil {
		return p.fail(report, result.URL, err)
	}

	report.Outcome = ingest.OutcomeNotModified
	metrics.ObserveFeed(string(ingest.OutcomeNotModified))
	metrics.ObserveEpisodes("skipped", skipped)
	p.logger.Info("feed not modified",
		zap.String("feed_url", result.URL),
		zap.String("trace_id", result.TraceID),
		zap.Int("episodes_skipped", skipped))
	return report
}

func (p *Pool) saveCheckpoint(ctx context.Context, result ingest.FetchResult) error {
	return p.store.SaveCheckpoint(ctx, ingest.Checkpoint{
		FeedURL:      result.URL,
		ETag:         result.ETag,
		LastModified: result.LastModified,
		LastFetchAt:  p.clock.Now(),
	})
}

func (p *Pool) fail(report ingest.FeedReport, url string, err error) ingest.FeedReport {
	code := ingest.CodeOf(err)
	if code == "" {
		code = codeInternal
	}
	report.Outcome = ingest.OutcomeFailed
	report.FailureCode = code
	metrics.ObserveFeed(string(ingest.OutcomeFailed))
	p.logger.Warn("feed failed",
		zap.String("feed_url", url),
		zap.String("code", string(code)),
		zap.Error(err))
	return report
}

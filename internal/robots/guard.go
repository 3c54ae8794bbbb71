// Package robots enforces robots.txt crawling etiquette per host.
package robots

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/ingest"
)

const maxRobotsBytes = 1 << 20

// Config controls the guard's fetch and cache behavior.
type Config struct {
	UserAgent string
	TTL       time.Duration
	Timeout   time.Duration
}

// Guard fetches, caches, and evaluates robots.txt rules per host.
// Rule files are cached with a TTL; an unreachable or missing rules
// file never blocks ingestion.
type Guard struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	logger    *zap.Logger
	meta      ingest.SourceMetaStore
	clock     ingest.Clock

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	data    *robotstxt.RobotsData
	expires time.Time
}

// NewGuard builds a Guard. The meta store is optional; when present, each
// robots.txt fetch is recorded as a source_meta row.
func NewGuard(cfg Config, client *http.Client, meta ingest.SourceMetaStore, clock ingest.Clock, logger *zap.Logger) *Guard {
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clock == nil {
		clock = ingest.SystemClock{}
	}
	return &Guard{
		client:    client,
		userAgent: cfg.UserAgent,
		ttl:       ttl,
		logger:    logger,
		meta:      meta,
		clock:     clock,
		cache:     make(map[string]cacheEntry),
	}
}

// Allowed reports whether the configured user agent may fetch rawURL.
// A missing rules file allows everything; a transport failure fetching the
// rules also allows, but is logged, so a robots outage never halts ingestion.
func (g *Guard) Allowed(ctx context.Context, rawURL string) bool {
	if g == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data, err := g.rules(ctx, parsed)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host),
			zap.Error(err),
		)
		return true
	}
	group := data.FindGroup(g.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

func (g *Guard) rules(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	hostKey := strings.ToLower(parsed.Host)
	now := g.clock.Now()

	g.mu.RLock()
	entry, ok := g.cache[hostKey]
	g.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.data, nil
	}

	data, err := g.fetch(ctx, parsed)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[hostKey] = cacheEntry{data: data, expires: now.Add(g.ttl)}
	g.mu.Unlock()
	return data, nil
}

func (g *Guard) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}

	g.recordFetch(ctx, robotsURL.String(), resp.StatusCode, body)

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func (g *Guard) recordFetch(ctx context.Context, resourceURL string, status int, body []byte) {
	if g.meta == nil {
		return
	}
	sum := sha256.Sum256(body)
	meta := ingest.SourceMeta{
		ResourceURL: resourceURL,
		LastStatus:  status,
		LastFetchAt: g.clock.Now(),
		ContentHash: hex.EncodeToString(sum[:]),
		ByteCount:   int64(len(body)),
	}
	if err := g.meta.PutSourceMeta(ctx, meta); err != nil {
		g.logger.Warn("record robots source meta failed",
			zap.String("url", resourceURL),
			zap.Error(err),
		)
	}
}

// Package fetch implements the polite, cached, conditional feed client.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/ingest"
	"github.com/podthemes/podingest/internal/metrics"
)

const maxFeedBytes = 32 << 20

// Config controls client behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Client performs a single logical "fetch feed" operation with rate limiting,
// robots enforcement, conditional GET, content-hash dedup, and bounded retry.
type Client struct {
	httpClient *http.Client
	limiter    ingest.HostLimiter
	robots     ingest.RobotsPolicy
	meta       ingest.SourceMetaStore
	blobs      ingest.BlobStore
	retry      *ingest.ExponentialRetryPolicy
	userAgent  string
	clock      ingest.Clock
	logger     *zap.Logger
}

// New constructs a Client. The http.Client's transport handles compressed
// transfer acceptance; callers share one instance across workers.
func New(
	cfg Config,
	httpClient *http.Client,
	limiter ingest.HostLimiter,
	robots ingest.RobotsPolicy,
	meta ingest.SourceMetaStore,
	blobs ingest.BlobStore,
	retry *ingest.ExponentialRetryPolicy,
	clock ingest.Clock,
	logger *zap.Logger,
) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if retry == nil {
		retry = ingest.NewExponentialRetryPolicy(0, 0, 0)
	}
	if clock == nil {
		clock = ingest.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		robots:     robots,
		meta:       meta,
		blobs:      blobs,
		retry:      retry,
		userAgent:  cfg.UserAgent,
		clock:      clock,
		logger:     logger,
	}
}

// HTTPClient exposes the underlying transport for the robots guard, which
// TTL-caches rules files and bypasses conditional-GET logic.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// FetchFeed fetches url with full politeness and caching. When cp carries
// prior validators they take precedence over stored source meta. A not-modified
// response short-circuits with no body; callers must not reparse or reupsert.
func (c *Client) FetchFeed(ctx context.Context, rawURL string, cp *ingest.Checkpoint) (ingest.FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ingest.FetchResult{}, fmt.Errorf("parse feed url: %w", err)
	}
	traceID := uuid.NewString()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, parsed.Hostname()); err != nil {
			return ingest.FetchResult{}, fmt.Errorf("acquire rate token: %w", err)
		}
	}

	if c.robots != nil && !c.robots.Allowed(ctx, rawURL) {
		return ingest.FetchResult{}, ingest.NewFeedError(ingest.CodeRobotsDisallowed, rawURL, nil)
	}

	etag, lastModified := c.validators(ctx, rawURL, cp)

	result, err := c.fetchWithRetry(ctx, rawURL, etag, lastModified, traceID)
	if err != nil {
		return ingest.FetchResult{}, err
	}
	c.logEvent(result)
	return result, nil
}

// FetchResource performs one rate-limited GET of a small ancillary
// resource (directory lookups and the like), skipping conditional-GET and
// retry logic but still pacing the host and recording a source_meta row.
func (c *Client) FetchResource(ctx context.Context, rawURL string) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse resource url: %w", err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, parsed.Hostname()); err != nil {
			return nil, fmt.Errorf("acquire rate token: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body failed", zap.Error(cerr))
		}
	}()
	metrics.ObserveHTTPRequest(rawURL, resp.StatusCode, resp.ContentLength, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d fetching %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if c.meta != nil {
		sum := sha256.Sum256(body)
		meta := ingest.SourceMeta{
			ResourceURL: rawURL,
			LastStatus:  resp.StatusCode,
			LastFetchAt: c.clock.Now(),
			ContentHash: hex.EncodeToString(sum[:]),
			ByteCount:   int64(len(body)),
		}
		if err := c.meta.PutSourceMeta(ctx, meta); err != nil {
			c.logger.Warn("store resource source meta failed", zap.String("url", rawURL), zap.Error(err))
		}
	}
	return body, nil
}

// validators picks the conditional-GET headers for this fetch.
func (c *Client) validators(ctx context.Context, rawURL string, cp *ingest.Checkpoint) (etag, lastModified string) {
	if cp != nil {
		return cp.ETag, cp.LastModified
	}
	if c.meta == nil {
		return "", ""
	}
	meta, ok, err := c.meta.GetSourceMeta(ctx, rawURL)
	if err != nil || !ok {
		return "", ""
	}
	return meta.ETag, meta.LastModified
}

// attemptState tracks the retry loop explicitly so the policy stays testable.
type attemptState struct {
	attempt int
	lastErr error
	delay   time.Duration
}

func (c *Client) fetchWithRetry(ctx context.Context, rawURL, etag, lastModified, traceID string) (ingest.FetchResult, error) {
	state := attemptState{}
	for {
		result, retryable, err := c.fetchOnce(ctx, rawURL, etag, lastModified, traceID, &state)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return ingest.FetchResult{}, err
		}
		state.lastErr = err
		if !c.retry.ShouldRetry(state.lastErr, state.attempt) {
			return ingest.FetchResult{}, ingest.NewFeedError(ingest.CodeHTTP5xx, rawURL, state.lastErr)
		}
		// An explicit Retry-After hint overrides the computed backoff.
		if state.delay <= 0 {
			state.delay = c.retry.Backoff(state.attempt)
		}
		if err := sleepWithContext(ctx, state.delay); err != nil {
			return ingest.FetchResult{}, err
		}
		state.attempt++
		state.delay = 0
	}
}

// fetchOnce performs one HTTP attempt. The bool return marks retryable errors.
func (c *Client) fetchOnce(
	ctx context.Context,
	rawURL, etag, lastModified, traceID string,
	state *attemptState,
) (ingest.FetchResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ingest.FetchResult{}, false, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ingest.FetchResult{}, true, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body failed", zap.Error(cerr))
		}
	}()
	latency := time.Since(start)
	metrics.ObserveHTTPRequest(rawURL, resp.StatusCode, resp.ContentLength, latency)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return c.handleNotModified(ctx, rawURL, resp, etag, lastModified, latency, traceID), false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result, err := c.handleSuccess(ctx, rawURL, resp, latency, traceID)
		return result, false, err
	case resp.StatusCode == http.StatusTooManyRequests:
		state.delay = retryAfterHint(resp)
		return ingest.FetchResult{}, true, fmt.Errorf("throttled (429) fetching %s", rawURL)
	case resp.StatusCode >= 500:
		return ingest.FetchResult{}, true, fmt.Errorf("server error %d fetching %s", resp.StatusCode, rawURL)
	default:
		return ingest.FetchResult{}, false, ingest.NewFeedError(
			ingest.CodeHTTP4xx, rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}
}

func (c *Client) handleNotModified(
	ctx context.Context,
	rawURL string,
	resp *http.Response,
	priorETag, priorLastModified string,
	latency time.Duration,
	traceID string,
) ingest.FetchResult {
	// Servers may rotate validator tokens on a 304; prefer the fresh ones.
	etag := firstNonEmpty(resp.Header.Get("ETag"), priorETag)
	lastModified := firstNonEmpty(resp.Header.Get("Last-Modified"), priorLastModified)

	now := c.clock.Now()
	if c.meta != nil {
		meta, ok, err := c.meta.GetSourceMeta(ctx, rawURL)
		if err != nil || !ok {
			meta = ingest.SourceMeta{ResourceURL: rawURL}
		}
		meta.ETag = etag
		meta.LastModified = lastModified
		meta.LastStatus = http.StatusNotModified
		meta.LastFetchAt = now
		if err := c.meta.PutSourceMeta(ctx, meta); err != nil {
			c.logger.Warn("update source meta on 304 failed", zap.String("url", rawURL), zap.Error(err))
		}
	}

	return ingest.FetchResult{
		URL:          rawURL,
		StatusCode:   http.StatusNotModified,
		NotModified:  true,
		ETag:         etag,
		LastModified: lastModified,
		Latency:      latency,
		CacheHit:     true,
		TraceID:      traceID,
	}
}

func (c *Client) handleSuccess(
	ctx context.Context,
	rawURL string,
	resp *http.Response,
	latency time.Duration,
	traceID string,
) (ingest.FetchResult, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return ingest.FetchResult{}, fmt.Errorf("read body: %w", err)
	}

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])

	cacheHit := false
	if c.blobs != nil {
		exists, err := c.blobs.Has(ctx, hash)
		if err != nil {
			return ingest.FetchResult{}, fmt.Errorf("check blob cache: %w", err)
		}
		if exists {
			cacheHit = true
			metrics.ObserveCacheHit()
		} else if err := c.blobs.Put(ctx, hash, body); err != nil {
			return ingest.FetchResult{}, fmt.Errorf("store blob: %w", err)
		}
	}

	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")
	now := c.clock.Now()

	if c.meta != nil {
		meta := ingest.SourceMeta{
			ResourceURL:  rawURL,
			ETag:         etag,
			LastModified: lastModified,
			LastStatus:   resp.StatusCode,
			LastFetchAt:  now,
			ContentHash:  hash,
			ByteCount:    int64(len(body)),
		}
		if err := c.meta.PutSourceMeta(ctx, meta); err != nil {
			return ingest.FetchResult{}, fmt.Errorf("store source meta: %w", err)
		}
	}

	return ingest.FetchResult{
		URL:          rawURL,
		StatusCode:   resp.StatusCode,
		Body:         body,
		ContentHash:  hash,
		ETag:         etag,
		LastModified: lastModified,
		Latency:      latency,
		ByteCount:    int64(len(body)),
		CacheHit:     cacheHit,
		TraceID:      traceID,
	}, nil
}

func (c *Client) logEvent(result ingest.FetchResult) {
	c.logger.Info("feed fetched",
		zap.String("trace_id", result.TraceID),
		zap.String("url", result.URL),
		zap.Int("status", result.StatusCode),
		zap.Duration("latency", result.Latency),
		zap.Int64("bytes", result.ByteCount),
		zap.Bool("cache_hit", result.CacheHit),
		zap.Bool("not_modified", result.NotModified),
	)
}

func retryAfterHint(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/podthemes/podingest/internal/config"
	"github.com/podthemes/podingest/internal/ingest"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Crawler: config.CrawlerConfig{Workers: 2, UserAgent: "podingest-test/1"},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5, MaxRetries: 2},
		Robots:  config.RobotsConfig{CacheTTLSeconds: 60},
		Cache:   config.CacheConfig{Dir: t.TempDir()},
	}
}

func TestNewWithoutDSNUsesMemoryStore(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Pool)

	// The memory store is live, not a stub.
	err = a.Store.SaveCheckpoint(context.Background(), ingest.Checkpoint{FeedURL: "https://example.com/feed.xml"})
	require.NoError(t, err)
	_, found, err := a.Store.LoadCheckpoint(context.Background(), "https://example.com/feed.xml")
	require.NoError(t, err)
	require.True(t, found)
}

func TestNewStartsMetricsListener(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Metrics.Addr = "127.0.0.1:39142"

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close(context.Background())

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://" + cfg.Metrics.Addr + "/healthz")
		return err == nil
	}, 2*time.Second, 50*time.Millisecond)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get("http://" + cfg.Metrics.Addr + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)
}

func TestRunWithNoFeedsIsEmptySummary(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(t))
	require.NoError(t, err)
	defer a.Close(context.Background())

	summary := a.Run(context.Background(), "crawl")
	require.Zero(t, summary.FeedsProcessed)
	require.Zero(t, summary.FeedsFailed)
}

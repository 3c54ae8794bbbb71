package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/podthemes/podingest/internal/ingest"
)

// ResourceFetcher performs a rate-limited GET of a small ancillary
// resource, recording the fetch in source_meta.
type ResourceFetcher interface {
	FetchResource(ctx context.Context, rawURL string) ([]byte, error)
}

// ITunesProvider resolves platform catalog IDs through the iTunes Search
// API lookup endpoint. Lookups go through the feed client's low-level
// transport so the directory host is paced like any other.
type ITunesProvider struct {
	fetcher ResourceFetcher
	baseURL string
}

// NewITunesProvider creates the provider. baseURL can be overridden for
// testing; if empty the public API endpoint is used.
func NewITunesProvider(fetcher ResourceFetcher, baseURL string) *ITunesProvider {
	if baseURL == "" {
		baseURL = "https://itunes.apple.com"
	}
	return &ITunesProvider{fetcher: fetcher, baseURL: baseURL}
}

// Kind implements Provider.
func (p *ITunesProvider) Kind() ingest.IdentifierKind {
	return ingest.KindCatalogID
}

type lookupResponse struct {
	Results []struct {
		FeedURL string `json:"feedUrl"`
	} `json:"results"`
}

// Resolve looks the catalog ID up and returns its declared feed URL.
func (p *ITunesProvider) Resolve(ctx context.Context, identifier string) (string, error) {
	endpoint, err := url.Parse(p.baseURL + "/lookup")
	if err != nil {
		return "", ingest.NewFeedError(ingest.CodeUnsupported, identifier, err)
	}
	q := endpoint.Query()
	q.Set("id", identifier)
	endpoint.RawQuery = q.Encode()

	body, err := p.fetcher.FetchResource(ctx, endpoint.String())
	if err != nil {
		return "", ingest.NewFeedError(ingest.CodeIDNotFound, identifier,
			fmt.Errorf("catalog lookup: %w", err))
	}

	var payload lookupResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ingest.NewFeedError(ingest.CodeIDNotFound, identifier,
			fmt.Errorf("decode lookup response: %w", err))
	}
	if len(payload.Results) == 0 || payload.Results[0].FeedURL == "" {
		return "", ingest.NewFeedError(ingest.CodeIDNotFound, identifier,
			errors.New("catalog id has no feed url"))
	}

	// The directory's answer still has to be a valid HTTPS feed URL.
	return DirectURLProvider{}.Resolve(ctx, payload.Results[0].FeedURL)
}

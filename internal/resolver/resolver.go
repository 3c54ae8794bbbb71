// Package resolver maps configured feed identifiers to canonical HTTPS
// feed URLs.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/podthemes/podingest/internal/ingest"
)

// Provider resolves one identifier kind.
type Provider interface {
	Kind() ingest.IdentifierKind
	Resolve(ctx context.Context, identifier string) (string, error)
}

// Resolver dispatches a feed source to the provider registered for its kind.
type Resolver struct {
	providers map[ingest.IdentifierKind]Provider
	logger    *zap.Logger
}

// New builds a resolver over the given providers. Kinds without a
// provider fail with an UNSUPPORTED error at resolve time.
func New(logger *zap.Logger, providers ...Provider) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	byKind := make(map[ingest.IdentifierKind]Provider, len(providers))
	for _, p := range providers {
		byKind[p.Kind()] = p
	}
	return &Resolver{providers: byKind, logger: logger}
}

// Resolve returns the canonical HTTPS feed URL for src.
func (r *Resolver) Resolve(ctx context.Context, src ingest.FeedSource) (string, error) {
	if src.Kind == ingest.KindTitle {
		// Free-text disambiguation is out of scope; fail deterministically.
		return "", ingest.NewFeedError(ingest.CodeAmbiguousMatch, src.Identifier,
			errors.New("free-text titles cannot be resolved"))
	}
	p, ok := r.providers[src.Kind]
	if !ok {
		return "", ingest.NewFeedError(ingest.CodeUnsupported, src.Identifier,
			fmt.Errorf("no resolver for identifier kind %q", src.Kind))
	}
	resolved, err := p.Resolve(ctx, src.Identifier)
	if err != nil {
		return "", err
	}
	r.logger.Debug("resolved feed source",
		zap.String("identifier", src.Identifier),
		zap.String("kind", string(src.Kind)),
		zap.String("feed_url", resolved))
	return resolved, nil
}

// DirectURLProvider validates and passes through raw HTTPS feed URLs.
type DirectURLProvider struct{}

// Kind implements Provider.
func (DirectURLProvider) Kind() ingest.IdentifierKind {
	return ingest.KindFeedURL
}

// Resolve validates that the identifier is an absolute HTTPS URL with a
// host and returns it unchanged.
func (DirectURLProvider) Resolve(_ context.Context, identifier string) (string, error) {
	raw := strings.TrimSpace(identifier)
	u, err := url.Parse(raw)
	if err != nil {
		return "", ingest.NewFeedError(ingest.CodeUnsupported, identifier,
			fmt.Errorf("parse feed url: %w", err))
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", ingest.NewFeedError(ingest.CodeUnsupported, identifier,
			errors.New("feed url must be absolute https"))
	}
	return raw, nil
}

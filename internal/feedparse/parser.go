// Package feedparse turns raw feed documents into structured show and episode
// descriptors. Parsing is a pure transform; candidate selection and persistence
// happen downstream.
package feedparse

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/podthemes/podingest/internal/ingest"
)

// Version labels provenance rows so later audits can tell which parser
// produced which data.
const Version = "podingest-parser/1"

// Parser wraps gofeed with podcast-specific extraction.
type Parser struct {
	gofeedParser *gofeed.Parser
}

// New constructs a Parser.
func New() *Parser {
	return &Parser{gofeedParser: gofeed.NewParser()}
}

// Parse extracts one show descriptor and its ordered episode descriptors from
// data. Malformed documents fail whole; no partial structure is returned.
func (p *Parser) Parse(data []byte) (ingest.ParsedFeed, error) {
	feed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return ingest.ParsedFeed{}, ingest.NewFeedError(
			ingest.CodeParserInvalidXML, "", fmt.Errorf("parse feed: %w", err))
	}

	parsed := ingest.ParsedFeed{
		Title:     feed.Title,
		Publisher: publisherOf(feed),
		Language:  feed.Language,
	}

	parsed.Episodes = make([]ingest.RawEpisode, 0, len(feed.Items))
	for _, item := range feed.Items {
		parsed.Episodes = append(parsed.Episodes, p.extractItem(item))
	}
	return parsed, nil
}

// publisherOf prefers the iTunes channel author over the generic feed author.
func publisherOf(feed *gofeed.Feed) string {
	if feed.ITunesExt != nil && strings.TrimSpace(feed.ITunesExt.Author) != "" {
		return strings.TrimSpace(feed.ITunesExt.Author)
	}
	for _, author := range feed.Authors {
		if author != nil && strings.TrimSpace(author.Name) != "" {
			return strings.TrimSpace(author.Name)
		}
	}
	return ""
}

func (p *Parser) extractItem(item *gofeed.Item) ingest.RawEpisode {
	ep := ingest.RawEpisode{
		GUID:           strings.TrimSpace(item.GUID),
		Title:          strings.TrimSpace(item.Title),
		PublishDateRaw: strings.TrimSpace(item.Published),
	}

	if item.PublishedParsed != nil {
		utc := item.PublishedParsed.UTC()
		ep.PublishDate = &utc
	} else if ep.PublishDateRaw != "" {
		// Unparseable dates are absent, not fatal; the note lands in provenance.
		ep.ParseNotes = append(ep.ParseNotes, fmt.Sprintf("unparseable publish date %q", ep.PublishDateRaw))
	}

	if ep.Title == "" {
		ep.Title = itunesItemTitle(item)
	}

	if it := item.ITunesExt; it != nil {
		ep.DurationRaw = strings.TrimSpace(it.Duration)
		ep.ExplicitRaw = strings.TrimSpace(it.Explicit)
		ep.EpisodeTypeRaw = strings.TrimSpace(it.EpisodeType)
		ep.SeasonNumber = parseOrdinal(it.Season, "season", &ep.ParseNotes)
		ep.EpisodeNumber = parseOrdinal(it.Episode, "episode", &ep.ParseNotes)
	}

	// RSS 2.0 permits one enclosure per item; take the first declared.
	if len(item.Enclosures) > 0 && item.Enclosures[0] != nil {
		ep.AudioURL = strings.TrimSpace(item.Enclosures[0].URL)
		ep.EnclosureMIME = strings.TrimSpace(item.Enclosures[0].Type)
	}

	ep.Transcripts = rankTranscripts(transcriptCandidates(item))
	return ep
}

func parseOrdinal(raw, label string, notes *[]string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*notes = append(*notes, fmt.Sprintf("unparseable %s number %q", label, raw))
		return 0
	}
	return n
}

// itunesItemTitle reads <itunes:title> from the raw extension map; the
// typed iTunes item extension does not carry it.
func itunesItemTitle(item *gofeed.Item) string {
	exts, ok := item.Extensions["itunes"]
	if !ok {
		return ""
	}
	for _, t := range exts["title"] {
		if v := strings.TrimSpace(t.Value); v != "" {
			return v
		}
	}
	return ""
}

// transcriptCandidates collects <podcast:transcript> links in document order.
func transcriptCandidates(item *gofeed.Item) []ingest.TranscriptCandidate {
	exts, ok := item.Extensions["podcast"]
	if !ok {
		return nil
	}
	var out []ingest.TranscriptCandidate
	for _, t := range exts["transcript"] {
		url := strings.TrimSpace(t.Attrs["url"])
		if url == "" {
			continue
		}
		out = append(out, ingest.TranscriptCandidate{
			URL:      url,
			MIMEType: strings.ToLower(strings.TrimSpace(t.Attrs["type"])),
		})
	}
	return out
}

// Transcript ranking tiers: machine-readable structured formats first, then
// plain text, then anything else. Ties keep document order.
const (
	rankStructured = 0
	rankPlainText  = 1
	rankOther      = 2
)

func transcriptRank(mimeType string) int {
	switch mimeType {
	case "application/json", "application/x-subrip", "application/srt", "text/vtt":
		return rankStructured
	case "text/plain":
		return rankPlainText
	default:
		return rankOther
	}
}

func rankTranscripts(candidates []ingest.TranscriptCandidate) []ingest.TranscriptCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return transcriptRank(candidates[i].MIMEType) < transcriptRank(candidates[j].MIMEType)
	})
	return candidates
}

// Package normalize turns parsed feed descriptors into durable records
// with stable identifiers and canonical field values.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/podthemes/podingest/internal/ingest"
)

// mimeAliases maps commonly observed enclosure type variants to one
// canonical token per media family.
var mimeAliases = map[string]string{
	"mp3":             "audio/mpeg",
	"audio/mp3":       "audio/mpeg",
	"audio/x-mp3":     "audio/mpeg",
	"audio/mpeg3":     "audio/mpeg",
	"audio/x-mpeg":    "audio/mpeg",
	"m4a":             "audio/mp4",
	"audio/m4a":       "audio/mp4",
	"audio/x-m4a":     "audio/mp4",
	"audio/mp4a-latm": "audio/mp4",
	"wav":             "audio/wav",
	"audio/x-wav":     "audio/wav",
	"audio/wave":      "audio/wav",
	"ogg":             "audio/ogg",
	"audio/x-ogg":     "audio/ogg",
	"opus":            "audio/opus",
}

// ShowID derives the stable show identifier from the canonical feed URL.
func ShowID(canonicalURL string) string {
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// EpisodeID derives the stable episode identifier. A non-empty guid wins;
// otherwise the identifier is a digest of audio URL, title, and the
// normalized publish date, so the same logical episode maps to the same
// identifier across runs.
func EpisodeID(raw ingest.RawEpisode) string {
	if guid := strings.TrimSpace(raw.GUID); guid != "" {
		return guid
	}
	date := ""
	if raw.PublishDate != nil {
		date = raw.PublishDate.UTC().Format(time.RFC3339)
	}
	sum := sha256.Sum256([]byte(raw.AudioURL + "\n" + raw.Title + "\n" + date))
	return hex.EncodeToString(sum[:])
}

// Show builds the durable show record for one parsed feed.
func Show(parsed ingest.ParsedFeed, canonicalURL string, now time.Time) (ingest.Show, error) {
	title := strings.TrimSpace(parsed.Title)
	if title == "" {
		return ingest.Show{}, ingest.NewFeedError(ingest.CodeSchemaViolation, canonicalURL,
			errors.New("feed has no title"))
	}
	return ingest.Show{
		ShowID:          ShowID(canonicalURL),
		Title:           title,
		CanonicalRSSURL: canonicalURL,
		Publisher:       strings.TrimSpace(parsed.Publisher),
		Language:        strings.ToLower(strings.TrimSpace(parsed.Language)),
		LastCrawlAt:     now.UTC(),
	}, nil
}

// Episode builds the durable episode record for one parsed item. The
// returned notes carry the parser's notes plus anything normalization
// had to coerce, for recording as provenance.
func Episode(feedURL, showID string, raw ingest.RawEpisode, now time.Time) (ingest.Episode, []string, error) {
	notes := append([]string(nil), raw.ParseNotes...)

	if strings.TrimSpace(raw.AudioURL) == "" {
		return ingest.Episode{}, nil, ingest.NewFeedError(ingest.CodeSchemaViolation, feedURL,
			fmt.Errorf("item %q has no enclosure URL", raw.Title))
	}
	if raw.SeasonNumber < 0 || raw.EpisodeNumber < 0 {
		return ingest.Episode{}, nil, ingest.NewFeedError(ingest.CodeSchemaViolation, feedURL,
			fmt.Errorf("item %q has a negative season or episode number", raw.Title))
	}

	duration := 0
	if raw.DurationRaw != "" {
		d, err := ParseDuration(raw.DurationRaw)
		if err != nil {
			notes = append(notes, fmt.Sprintf("unparseable duration %q", raw.DurationRaw))
		} else {
			duration = d
		}
	}

	var publish *time.Time
	if raw.PublishDate != nil {
		utc := raw.PublishDate.UTC()
		publish = &utc
	}

	ts := now.UTC()
	ep := ingest.Episode{
		EpisodeID:       EpisodeID(raw),
		ShowID:          showID,
		GUID:            strings.TrimSpace(raw.GUID),
		Title:           strings.TrimSpace(raw.Title),
		PublishDate:     publish,
		DurationSeconds: duration,
		AudioURL:        raw.AudioURL,
		EnclosureMIME:   CanonicalMIME(raw.EnclosureMIME),
		Explicit:        ParseExplicit(raw.ExplicitRaw),
		Type:            EpisodeType(raw.EpisodeTypeRaw),
		SeasonNumber:    raw.SeasonNumber,
		EpisodeNumber:   raw.EpisodeNumber,
		FirstSeenAt:     ts,
		LastSeenAt:      ts,
	}
	return ep, notes, nil
}

// CanonicalMIME maps known aliasing variants to one canonical token per
// media family. Unknown types pass through lowercased.
func CanonicalMIME(declared string) string {
	t := strings.ToLower(strings.TrimSpace(declared))
	if canonical, ok := mimeAliases[t]; ok {
		return canonical
	}
	return t
}

// ParseExplicit coerces the varied textual forms of the explicit flag to
// a strict boolean. Anything unrecognized is treated as not explicit.
func ParseExplicit(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes", "true", "explicit", "1":
		return true
	default:
		return false
	}
}

// EpisodeType coerces the raw episode type to one of the persisted enum
// values, defaulting to full when absent or unrecognized.
func EpisodeType(raw string) ingest.EpisodeType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trailer":
		return ingest.EpisodeTypeTrailer
	case "bonus":
		return ingest.EpisodeTypeBonus
	default:
		return ingest.EpisodeTypeFull
	}
}

// ParseDuration accepts integer seconds or colon-separated HH:MM:SS and
// MM:SS text, returning whole seconds.
func ParseDuration(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty duration")
	}
	parts := strings.Split(raw, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("duration %q has too many segments", raw)
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("duration %q is not numeric", raw)
		}
		total = total*60 + n
	}
	return total, nil
}

package feedparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/podthemes/podingest/internal/ingest"
)

const fixtureFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"
     xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd"
     xmlns:podcast="https://podcastindex.org/namespace/1.0">
  <channel>
    <title>Deep Currents</title>
    <language>en-us</language>
    <managingEditor>editor@example.com (Plain Editor)</managingEditor>
    <itunes:author>Tidal Audio Collective</itunes:author>
    <item>
      <title>Episode One</title>
      <guid>dc-ep-001</guid>
      <pubDate>Mon, 05 Jan 2026 08:00:00 GMT</pubDate>
      <enclosure url="https://cdn.example.com/ep1.mp3" length="52428800" type="audio/mpeg"/>
      <itunes:duration>01:02:03</itunes:duration>
      <itunes:explicit>yes</itunes:explicit>
      <itunes:episodeType>full</itunes:episodeType>
      <itunes:season>2</itunes:season>
      <itunes:episode>14</itunes:episode>
      <podcast:transcript url="https://cdn.example.com/ep1.txt" type="text/plain"/>
      <podcast:transcript url="https://cdn.example.com/ep1.srt" type="application/srt"/>
    </item>
    <item>
      <title>Episode Two</title>
      <guid>dc-ep-002</guid>
      <pubDate>not a real date</pubDate>
      <enclosure url="https://cdn.example.com/ep2.mp3" length="1024" type="audio/mp3"/>
      <itunes:duration>1800</itunes:duration>
      <itunes:explicit>no</itunes:explicit>
    </item>
    <item>
      <title>Trailer</title>
      <enclosure url="https://cdn.example.com/trailer.mp3" length="2048" type="audio/mpeg"/>
      <itunes:episodeType>trailer</itunes:episodeType>
    </item>
  </channel>
</rss>`

func TestParseShowFields(t *testing.T) {
	t.Parallel()

	parsed, err := New().Parse([]byte(fixtureFeed))
	require.NoError(t, err)

	require.Equal(t, "Deep Currents", parsed.Title)
	require.Equal(t, "en-us", parsed.Language)
	// The iTunes author wins over the generic channel editor.
	require.Equal(t, "Tidal Audio Collective", parsed.Publisher)
	require.Len(t, parsed.Episodes, 3)
}

func TestParseEpisodeFields(t *testing.T) {
	t.Parallel()

	parsed, err := New().Parse([]byte(fixtureFeed))
	require.NoError(t, err)

	ep := parsed.Episodes[0]
	require.Equal(t, "dc-ep-001", ep.GUID)
	require.Equal(t, "Episode One", ep.Title)
	require.NotNil(t, ep.PublishDate)
	require.Equal(t, time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), *ep.PublishDate)
	require.Equal(t, "01:02:03", ep.DurationRaw)
	require.Equal(t, "https://cdn.example.com/ep1.mp3", ep.AudioURL)
	require.Equal(t, "audio/mpeg", ep.EnclosureMIME)
	require.Equal(t, "yes", ep.ExplicitRaw)
	require.Equal(t, "full", ep.EpisodeTypeRaw)
	require.Equal(t, 2, ep.SeasonNumber)
	require.Equal(t, 14, ep.EpisodeNumber)
	require.Empty(t, ep.ParseNotes)
}

func TestParseUnparseableDateBecomesNote(t *testing.T) {
	t.Parallel()

	parsed, err := New().Parse([]byte(fixtureFeed))
	require.NoError(t, err)

	ep := parsed.Episodes[1]
	require.Nil(t, ep.PublishDate)
	require.Len(t, ep.ParseNotes, 1)
	require.Contains(t, ep.ParseNotes[0], "unparseable publish date")
}

func TestTranscriptRankingPrefersStructured(t *testing.T) {
	t.Parallel()

	parsed, err := New().Parse([]byte(fixtureFeed))
	require.NoError(t, err)

	// The SRT link is declared second but ranks above plain text.
	transcripts := parsed.Episodes[0].Transcripts
	require.Len(t, transcripts, 2)
	require.Equal(t, "https://cdn.example.com/ep1.srt", transcripts[0].URL)
	require.Equal(t, "https://cdn.example.com/ep1.txt", transcripts[1].URL)
}

func TestRankTranscriptsTiesKeepDocumentOrder(t *testing.T) {
	t.Parallel()

	ranked := rankTranscripts([]ingest.TranscriptCandidate{
		{URL: "https://a.example.com/1.json", MIMEType: "application/json"},
		{URL: "https://a.example.com/2.srt", MIMEType: "application/srt"},
		{URL: "https://a.example.com/3.txt", MIMEType: "text/plain"},
	})
	require.Equal(t, "https://a.example.com/1.json", ranked[0].URL)
	require.Equal(t, "https://a.example.com/2.srt", ranked[1].URL)
	require.Equal(t, "https://a.example.com/3.txt", ranked[2].URL)
}

func TestParseMalformedDocumentFailsWhole(t *testing.T) {
	t.Parallel()

	_, err := New().Parse([]byte("this is not xml at all"))
	require.Error(t, err)
	require.Equal(t, ingest.CodeParserInvalidXML, ingest.CodeOf(err))
}

func TestParseItemTitleFallsBackToITunesTitle(t *testing.T) {
	t.Parallel()

	feed := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Untitled Items</title>
    <item>
      <guid>it-only</guid>
      <itunes:title>Only In The Extension</itunes:title>
      <enclosure url="https://cdn.example.com/x.mp3" type="audio/mpeg"/>
    </item>
  </channel>
</rss>`

	parsed, err := New().Parse([]byte(feed))
	require.NoError(t, err)
	require.Len(t, parsed.Episodes, 1)
	require.Equal(t, "Only In The Extension", parsed.Episodes[0].Title)
}

func TestParseItemWithoutGUID(t *testing.T) {
	t.Parallel()

	parsed, err := New().Parse([]byte(fixtureFeed))
	require.NoError(t, err)

	ep := parsed.Episodes[2]
	require.Empty(t, ep.GUID)
	require.Equal(t, "trailer", ep.EpisodeTypeRaw)
	require.Equal(t, "https://cdn.example.com/trailer.mp3", ep.AudioURL)
}

package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/podthemes/podingest/internal/ingest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCrawlCommandPrintsSummary(t *testing.T) {
	cfgPath := writeConfig(t, `
crawler:
  workers: 1
cache:
  dir: `+filepath.Join(t.TempDir(), "cache")+`
`)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"crawl", "--config", cfgPath})

	require.NoError(t, root.Execute())

	var summary ingest.RunSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	require.Zero(t, summary.FeedsProcessed)
	require.Zero(t, summary.FeedsFailed)
}

func TestRefreshCommandRuns(t *testing.T) {
	cfgPath := writeConfig(t, `
crawler:
  workers: 1
cache:
  dir: `+filepath.Join(t.TempDir(), "cache")+`
`)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"refresh", "--config", cfgPath})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "feeds_processed")
}

func TestMissingConfigFileIsFatal(t *testing.T) {
	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"crawl", "--config", "/nonexistent/config.yaml"})

	require.Error(t, root.Execute())
}

func TestInvalidConfigIsFatal(t *testing.T) {
	cfgPath := writeConfig(t, `
crawler:
  workers: 0
`)

	root := newRootCmd()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"crawl", "--config", cfgPath})

	require.Error(t, root.Execute())
}

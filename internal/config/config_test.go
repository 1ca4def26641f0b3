package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv(configPathEnv, "")

	cfg := Load()
	assert.Equal(t, 5, cfg.Sync.FetchConcurrency)
	assert.Equal(t, 2, cfg.Sync.AIConcurrency)
	assert.Equal(t, 10, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 500, cfg.Retention.HardCap)
	assert.Equal(t, 20, cfg.Quality.MinSample)
	assert.InDelta(t, 0.1, cfg.Quality.Threshold, 1e-9)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileOverridesAndEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
feeds:
  - url: https://a.example.org/feed
    name: A
sync:
  fetchConcurrency: 8
  maxAgeDays: 14
triage:
  enabled: true
  apiKey: from-file
store:
  endpoint: https://store.example.org
  apiKey: store-key
  collection: reading
state:
  path: /tmp/feedsync.json
`), 0o644))

	t.Setenv(configPathEnv, path)
	t.Setenv(triageAPIKeyEnv, "from-env")

	cfg := Load()
	require.Len(t, cfg.Feeds, 1)
	assert.Equal(t, "https://a.example.org/feed", cfg.Feeds[0].URL)
	assert.Equal(t, 8, cfg.Sync.FetchConcurrency)
	assert.Equal(t, 14, cfg.Sync.MaxAgeDays)
	assert.Equal(t, 2, cfg.Sync.AIConcurrency, "unset file values keep defaults")
	assert.True(t, cfg.Triage.Enabled)
	assert.Equal(t, "from-env", cfg.Triage.APIKey, "env overrides the file")
	require.NoError(t, cfg.Validate())
}

func TestValidateCatchesMissingRequirements(t *testing.T) {
	base := defaultConfig()
	base.Feeds = []FeedConfig{{URL: "https://a.example.org/feed"}}
	base.Store = StoreConfig{Endpoint: "https://s", APIKey: "k", Collection: "c"}
	require.NoError(t, base.Validate())

	noFeeds := base
	noFeeds.Feeds = nil
	assert.Error(t, noFeeds.Validate())

	noStoreKey := base
	noStoreKey.Store.APIKey = ""
	assert.Error(t, noStoreKey.Validate())

	noCollection := base
	noCollection.Store.Collection = ""
	assert.Error(t, noCollection.Validate())

	triageNoKey := base
	triageNoKey.Triage.Enabled = true
	triageNoKey.Triage.APIKey = ""
	assert.Error(t, triageNoKey.Validate())

	triageWithKey := triageNoKey
	triageWithKey.Triage.APIKey = "k"
	assert.NoError(t, triageWithKey.Validate())
}

func TestDurationHelpers(t *testing.T) {
	s := SyncConfig{PublishDelayMS: 250, BaseDelayMS: 500, LinkTimeoutSeconds: 3, GlobalTimeoutMinutes: 15}
	assert.Equal(t, "250ms", s.PublishDelay().String())
	assert.Equal(t, "500ms", s.BaseDelay().String())
	assert.Equal(t, "3s", s.LinkTimeout().String())
	assert.Equal(t, "15m0s", s.GlobalTimeout().String())

	var zero SyncConfig
	assert.Equal(t, "1s", zero.BaseDelay().String())
	assert.Equal(t, "10s", zero.LinkTimeout().String())
	assert.Equal(t, "0s", zero.GlobalTimeout().String())
}

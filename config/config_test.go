package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"skyfeeds/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
[server]
port = 8080

[store]
persist_debounce = "1s"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "*", cfg.Server.AllowOrigins)
	assert.Equal(t, time.Second, cfg.Store.PersistDebounce)
	assert.Equal(t, 30*time.Second, cfg.Store.PersistTimeout)
	assert.Equal(t, "feeds.db", cfg.Database.Path)
	assert.Equal(t, "https://bsky.social", cfg.Bluesky.PDSHost)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.toml")
	writeFile(t, path, "[server\nport = ")
	_, err = config.LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadAppPreferences(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		sortable bool
		lang     language.Tag
		wantErr  bool
	}{
		{
			name:    "empty file",
			content: "",
			lang:    language.English,
		},
		{
			name:     "sortable with language",
			content:  "sortable_feeds = true\nlanguage = \"nb\"",
			sortable: true,
			lang:     language.MustParse("nb"),
		},
		{
			name:    "invalid language",
			content: "language = \"not a language tag\"",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "preferences.toml")
			writeFile(t, path, tt.content)

			prefs, err := config.LoadAppPreferences(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.sortable, prefs.SortableFeeds())
			assert.Equal(t, tt.lang, prefs.Language())
		})
	}
}

func TestWatchAppPreferencesReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.toml")
	writeFile(t, path, "sortable_feeds = false")

	prefs, err := config.LoadAppPreferences(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- config.WatchAppPreferences(ctx, path, prefs, func() {
			changes.Add(1)
		})
	}()

	require.Eventually(t, func() bool {
		writeFile(t, path, "sortable_feeds = true")
		return changes.Load() > 0
	}, 5*time.Second, 300*time.Millisecond)

	assert.True(t, prefs.SortableFeeds())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

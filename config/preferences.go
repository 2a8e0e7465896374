package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/language"
)

const preferencesReloadDelay = 200 * time.Millisecond

type tomlPreferences struct {
	SortableFeeds bool   `toml:"sortable_feeds"`
	Language      string `toml:"language"`
}

// AppPreferences holds the user's display preferences. It is shared by
// reference and safe for concurrent use.
type AppPreferences struct {
	mu            sync.RWMutex
	sortableFeeds bool
	language      language.Tag
}

func NewAppPreferences(sortableFeeds bool, lang language.Tag) *AppPreferences {
	return &AppPreferences{sortableFeeds: sortableFeeds, language: lang}
}

// SortableFeeds reports whether "All feeds" keeps the stored order
func (p *AppPreferences) SortableFeeds() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortableFeeds
}

// Language used to sort feed names alphabetically
func (p *AppPreferences) Language() language.Tag {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.language
}

func (p *AppPreferences) Set(sortableFeeds bool, lang language.Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sortableFeeds = sortableFeeds
	p.language = lang
}

// LoadAppPreferences reads a preferences file. The language defaults to English.
func LoadAppPreferences(path string) (*AppPreferences, error) {
	prefs := NewAppPreferences(false, language.English)
	if err := prefs.reload(path); err != nil {
		return nil, err
	}
	return prefs, nil
}

func (p *AppPreferences) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading preferences file: %w", err)
	}

	var raw tomlPreferences
	if err := toml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error parsing preferences file: %w", err)
	}

	lang := language.English
	if raw.Language != "" {
		lang, err = language.Parse(raw.Language)
		if err != nil {
			return fmt.Errorf("invalid language %q: %w", raw.Language, err)
		}
	}

	p.Set(raw.SortableFeeds, lang)
	return nil
}

// WatchAppPreferences reloads prefs whenever path changes and calls onChange
// after each successful reload. It returns when ctx is done.
func WatchAppPreferences(ctx context.Context, path string, prefs *AppPreferences, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files on save, so the directory is watched rather than the file
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	name := filepath.Clean(path)

	var mu sync.Mutex
	var debounce *time.Timer
	defer func() {
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}()

	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(preferencesReloadDelay, func() {
			if ctx.Err() != nil {
				return
			}
			if err := prefs.reload(path); err != nil {
				log.WithFields(log.Fields{
					"path":  path,
					"error": err,
				}).Warn("Failed to reload preferences")
				return
			}
			log.WithFields(log.Fields{
				"sortable_feeds": prefs.SortableFeeds(),
				"language":       prefs.Language().String(),
			}).Info("Reloaded preferences")
			if onChange != nil {
				onChange()
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Preferences watcher error")
		}
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// BlueskyConfig holds where and as whom to talk to Bluesky
type BlueskyConfig struct {
	PDSHost string `toml:"pds_host"`
	Handle  string `toml:"handle,omitempty"`
}

// DatabaseConfig points at the SQLite snapshot database
type DatabaseConfig struct {
	Path           string        `toml:"path"`
	SnapshotMaxAge time.Duration `toml:"snapshot_max_age"`
}

type ServerConfig struct {
	Port         int    `toml:"port"`
	AllowOrigins string `toml:"allow_origins"`
}

// StoreConfig tunes how mutations are coalesced and persisted
type StoreConfig struct {
	PersistDebounce time.Duration `toml:"persist_debounce"`
	PersistTimeout  time.Duration `toml:"persist_timeout"`
}

type CacheConfig struct {
	Size         int           `toml:"size"`
	FetchTimeout time.Duration `toml:"fetch_timeout"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Bluesky     BlueskyConfig  `toml:"bluesky"`
	Database    DatabaseConfig `toml:"database"`
	Server      ServerConfig   `toml:"server"`
	Store       StoreConfig    `toml:"store"`
	Cache       CacheConfig    `toml:"cache"`
	Preferences string         `toml:"preferences"`
}

// Default returns the configuration used when no file is given
func Default() *TomlConfig {
	return &TomlConfig{
		Bluesky: BlueskyConfig{
			PDSHost: "https://bsky.social",
		},
		Database: DatabaseConfig{
			Path:           "feeds.db",
			SnapshotMaxAge: 90 * 24 * time.Hour,
		},
		Server: ServerConfig{
			Port:         3000,
			AllowOrigins: "*",
		},
		Store: StoreConfig{
			PersistDebounce: 300 * time.Millisecond,
			PersistTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			Size:         128,
			FetchTimeout: 30 * time.Second,
		},
	}
}

// LoadConfig reads path on top of the defaults. Keys missing from the file keep their default.
func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

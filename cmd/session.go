package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/cqroot/prompt"
	"github.com/cqroot/prompt/input"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"skyfeeds/bluesky"
	"skyfeeds/config"
	"skyfeeds/db"
	"skyfeeds/models"
	"skyfeeds/querycache"
	"skyfeeds/savedfeeds"
)

func setupLogging(ctx *cli.Context) error {
	level, err := log.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "database",
		Aliases: []string{"d"},
		Value:   "feeds.db",
		Usage:   "SQLite database file location",
		EnvVars: []string{"SKYFEEDS_DATABASE"},
	}
}

// sessionFlags are shared by every command that talks to Bluesky
func sessionFlags() []cli.Flag {
	return []cli.Flag{
		databaseFlag(),
		&cli.StringFlag{
			Name:    "handle",
			Usage:   "Bluesky handle, prompted for when empty",
			EnvVars: []string{"SKYFEEDS_HANDLE"},
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Bluesky app password, prompted for when empty",
			EnvVars: []string{"SKYFEEDS_PASSWORD"},
		},
		&cli.StringFlag{
			Name:    "pds-host",
			Value:   bluesky.DefaultPDSHost,
			Usage:   "Host of your personal data server",
			EnvVars: []string{"SKYFEEDS_PDS_HOST"},
		},
	}
}

// loadConfig reads the configuration file if one is given and applies flags set on the command line
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	cfg := config.Default()
	if path := ctx.String("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if ctx.IsSet("database") || cfg.Database.Path == "" {
		cfg.Database.Path = ctx.String("database")
	}
	if ctx.IsSet("pds-host") {
		cfg.Bluesky.PDSHost = ctx.String("pds-host")
	}
	if ctx.IsSet("handle") {
		cfg.Bluesky.Handle = ctx.String("handle")
	}
	return cfg, nil
}

func login(ctx *cli.Context, cfg *config.TomlConfig) (*bluesky.Client, error) {
	handle := cfg.Bluesky.Handle
	if handle == "" {
		var err error
		handle, err = prompt.New().Ask("Handle:").Input("myname.bsky.social")
		if err != nil {
			return nil, err
		}
	}

	password := ctx.String("password")
	if password == "" {
		var err error
		password, err = prompt.New().Ask("Password:").Input("", input.WithEchoMode(input.EchoNone))
		if err != nil {
			return nil, err
		}
	}

	client, err := bluesky.ClientFromCredentials(ctx.Context, cfg.Bluesky.PDSHost, &bluesky.Credentials{
		Identifier: handle,
		Password:   password,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create client with provided credentials: %w", err)
	}

	log.WithFields(log.Fields{
		"handle": client.Handle(),
		"did":    client.DID(),
	}).Info("Logged in")
	return client, nil
}

// session bundles everything a command needs to read and change saved feeds
type session struct {
	client    *bluesky.Client
	snapshots *db.Snapshots
	cache     *querycache.Cache
	store     *savedfeeds.Store
}

func openSession(ctx *cli.Context, cfg *config.TomlConfig) (*session, error) {
	if err := db.Migrate(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	client, err := login(ctx, cfg)
	if err != nil {
		return nil, err
	}

	snapshots, err := db.NewSnapshots(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	service := bluesky.NewPreferencesService(client)
	cache, err := querycache.New(context.Background(), func(ctx context.Context, key string) (models.SavedFeedsState, error) {
		return service.FetchSavedFeeds(ctx)
	}, querycache.Config{
		Size:         cfg.Cache.Size,
		FetchTimeout: cfg.Cache.FetchTimeout,
		Backing:      snapshots,
	})
	if err != nil {
		snapshots.Close()
		return nil, err
	}

	store := savedfeeds.New(context.Background(), service, cache, savedfeeds.Config{
		Key:             client.DID(),
		PersistDebounce: cfg.Store.PersistDebounce,
		PersistTimeout:  cfg.Store.PersistTimeout,
	})

	return &session{
		client:    client,
		snapshots: snapshots,
		cache:     cache,
		store:     store,
	}, nil
}

func (s *session) Close() {
	s.store.Close()
	s.cache.Close()
	if err := s.snapshots.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
}

/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"

	"skyfeeds/config"
	"skyfeeds/server"
)

const tidyInterval = 24 * time.Hour

// serveCmd represents the serve command
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the saved feeds API",
		Description: `Starts the HTTP server for reading and changing your saved feeds.

Logs in to Bluesky, loads your saved feeds and serves them on the configured
port. Changes made through the API are pushed to connected clients over
server-sent events and written to your Bluesky preferences in the background.`,
		Flags: append(sessionFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Value:   3000,
				Usage:   "Port to listen on",
				EnvVars: []string{"SKYFEEDS_PORT"},
			},
			&cli.StringFlag{
				Name:    "allow-origins",
				Value:   "*",
				Usage:   "Comma separated origins allowed to call the API",
				EnvVars: []string{"SKYFEEDS_ALLOW_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "preferences",
				Usage:   "Path to a preferences file, reloaded when it changes",
				EnvVars: []string{"SKYFEEDS_PREFERENCES"},
			},
			&cli.BoolFlag{
				Name:    "sortable",
				Usage:   "Keep the stored order of unpinned feeds when no preferences file is given",
				EnvVars: []string{"SKYFEEDS_SORTABLE_FEEDS"},
			},
		),
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if ctx.IsSet("port") || cfg.Server.Port == 0 {
				cfg.Server.Port = ctx.Int("port")
			}
			if ctx.IsSet("allow-origins") || cfg.Server.AllowOrigins == "" {
				cfg.Server.AllowOrigins = ctx.String("allow-origins")
			}
			if ctx.IsSet("preferences") {
				cfg.Preferences = ctx.String("preferences")
			}

			fmt.Println("Starting skyfeeds...")

			sess, err := openSession(ctx, cfg)
			if err != nil {
				return err
			}
			defer sess.Close()

			prefs := config.NewAppPreferences(ctx.Bool("sortable"), language.English)
			if cfg.Preferences != "" {
				prefs, err = config.LoadAppPreferences(cfg.Preferences)
				if err != nil {
					return err
				}
			}

			runCtx, cancel := context.WithCancel(ctx.Context)
			defer cancel()

			bc := server.NewBroadcaster()
			renderer := server.NewRenderer(sess.client, prefs)
			unsubscribe := sess.store.Subscribe(server.StoreListener(runCtx, renderer, bc, func() int {
				return len(sess.store.Pending())
			}))
			defer unsubscribe()

			app := server.Server(&server.ServerConfig{
				Store:        sess.store,
				Renderer:     renderer,
				Broadcaster:  bc,
				AllowOrigins: cfg.Server.AllowOrigins,
			})

			var wg sync.WaitGroup

			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := sess.store.Await(runCtx); err != nil {
					log.WithFields(log.Fields{
						"error": err,
					}).Error("Failed to load saved feeds")
				}
			}()

			if cfg.Preferences != "" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := config.WatchAppPreferences(runCtx, cfg.Preferences, prefs, func() {
						// The view depends on the preferences, so clients get a fresh one
						state, err := sess.store.Load()
						if err != nil {
							return
						}
						bc.Broadcast(server.Event{
							Name: "state",
							Data: renderer.Render(runCtx, state, len(sess.store.Pending())),
						})
					})
					if err != nil {
						log.Errorf("Preferences watcher stopped: %v", err)
					}
				}()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(tidyInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						if _, err := sess.snapshots.Tidy(runCtx, cfg.Database.SnapshotMaxAge); err != nil {
							log.Errorf("Failed to tidy snapshots: %v", err)
						}
					}
				}
			}()

			// Graceful shutdown
			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt)
			go func() {
				select {
				case <-c:
				case <-runCtx.Done():
				}
				fmt.Println("Gracefully shutting down...")

				flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.Store.PersistTimeout)
				defer flushCancel()
				if err := sess.store.Flush(flushCtx); err != nil {
					log.Errorf("Unsaved changes were lost: %v", err)
				}

				cancel()
				bc.Shutdown()
				if err := app.ShutdownWithTimeout(60 * time.Second); err != nil {
					log.Errorf("Failed to shut down server: %v", err)
				}
			}()

			fmt.Println("Starting server...")
			if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
				cancel()
				wg.Wait()
				return err
			}

			wg.Wait()
			fmt.Println("Done!")
			return nil
		},
	}
}

/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "skyfeeds",
		Usage: "Manage the order and pins of your saved Bluesky feeds",
		Description: `Skyfeeds keeps the saved feeds of a Bluesky account in order.

		Feeds can be pinned, unpinned, removed, saved and reordered from the
		command line or through the HTTP API served by the serve command.
		Changes are shown immediately and written to your Bluesky preferences
		in the background. Failed writes are rolled back.

		The last known state is kept in an SQLite database so it can be shown
		before Bluesky has answered.

		Flags can generally be set via environment variables, e.g.:

		--database => SKYFEEDS_DATABASE=feeds.db
		--port => SKYFEEDS_PORT=3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"SKYFEEDS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"SKYFEEDS_LOG_LEVEL"},
			},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCmd(),
			feedsCmd(),
			pinCmd(),
			unpinCmd(),
			removeCmd(),
			saveCmd(),
			reorderCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

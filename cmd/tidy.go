/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"skyfeeds/db"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing old snapshots.

		Removes saved feeds snapshots of accounts that have not been refreshed
		for longer than --max-age. This keeps the database from holding on to
		accounts that no longer use it.`,
		Flags: []cli.Flag{
			databaseFlag(),
			&cli.DurationFlag{
				Name:    "max-age",
				Value:   db.DefaultSnapshotMaxAge,
				Usage:   "Remove snapshots older than this",
				EnvVars: []string{"SKYFEEDS_SNAPSHOT_MAX_AGE"},
			},
		},
		Action: func(ctx *cli.Context) error {
			database := ctx.String("database")
			fmt.Println("Database configured: ", database)
			removed, err := db.Tidy(database, ctx.Duration("max-age"))
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d snapshots\n", removed)
			return nil
		},
	}
}

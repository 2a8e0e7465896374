package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"

	"skyfeeds/feeds"
	"skyfeeds/models"
	"skyfeeds/savedfeeds"
)

func sortableFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "sortable",
		Usage:   "Show unpinned feeds in stored order instead of alphabetically",
		EnvVars: []string{"SKYFEEDS_SORTABLE_FEEDS"},
	}
}

func languageFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "language",
		Value:   "en",
		Usage:   "Language used to sort feed names",
		EnvVars: []string{"SKYFEEDS_LANGUAGE"},
	}
}

// withStore loads the saved feeds, runs fn and waits for its changes to be written
func withStore(ctx *cli.Context, fn func(store *savedfeeds.Store) error) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sess, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	if _, err := sess.store.Await(ctx.Context); err != nil {
		return err
	}

	if err := fn(sess.store); err != nil {
		return err
	}

	flushCtx, cancel := context.WithTimeout(ctx.Context, cfg.Store.PersistTimeout+5*time.Second)
	defer cancel()
	if err := sess.store.Flush(flushCtx); err != nil {
		return fmt.Errorf("changes were rolled back: %w", err)
	}

	return printFeeds(ctx, sess)
}

func printFeeds(ctx *cli.Context, sess *session) error {
	state, err := sess.store.Load()
	if err != nil {
		return err
	}

	lang, err := language.Parse(ctx.String("language"))
	if err != nil {
		return fmt.Errorf("invalid language: %w", err)
	}

	infos, err := sess.client.FeedInfos(ctx.Context, state.All)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not look up feed names: %v\n", err)
	}

	view := feeds.NewViewBuilder(feeds.StrategyFor(ctx.Bool("sortable"), lang)).Build(state, infos)
	if view.NoFeeds {
		fmt.Println("You have no saved feeds.")
		return nil
	}

	if view.Following {
		fmt.Println("Following")
	}
	for _, section := range view.Sections {
		fmt.Printf("\n%s\n", section.Title)
		if len(section.Feeds) == 0 {
			fmt.Println("  (none)")
		}
		for _, info := range section.Feeds {
			fmt.Printf("  %-30s %s\n", info.DisplayName, info.ID)
		}
	}
	return nil
}

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "List your saved feeds",
		Flags: append(sessionFlags(), sortableFlag(), languageFlag()),
		Action: func(ctx *cli.Context) error {
			return withStore(ctx, func(*savedfeeds.Store) error {
				return nil
			})
		},
	}
}

func feedArg(ctx *cli.Context) (models.FeedID, error) {
	if ctx.NArg() != 1 {
		return "", errors.New("expected exactly one feed uri")
	}
	return models.FeedID(ctx.Args().First()), nil
}

// feedMutationCmd builds a command applying one single-feed mutation
func feedMutationCmd(name, usage string, apply func(*savedfeeds.Store, models.FeedID) error) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<feed uri>",
		Flags:     append(sessionFlags(), sortableFlag(), languageFlag()),
		Action: func(ctx *cli.Context) error {
			id, err := feedArg(ctx)
			if err != nil {
				return err
			}
			return withStore(ctx, func(store *savedfeeds.Store) error {
				return apply(store, id)
			})
		},
	}
}

func pinCmd() *cli.Command {
	return feedMutationCmd("pin", "Pin a saved feed", (*savedfeeds.Store).Pin)
}

func unpinCmd() *cli.Command {
	return feedMutationCmd("unpin", "Unpin a feed", (*savedfeeds.Store).Unpin)
}

func removeCmd() *cli.Command {
	return feedMutationCmd("remove", "Remove a saved feed", (*savedfeeds.Store).Remove)
}

func saveCmd() *cli.Command {
	return feedMutationCmd("save", "Save a feed generator or list", (*savedfeeds.Store).Save)
}

func reorderCmd() *cli.Command {
	return &cli.Command{
		Name:      "reorder",
		Usage:     "Reorder pinned or all saved feeds",
		ArgsUsage: "<feed uri>...",
		Description: `Replaces the order of a section. Every feed of the section must be
given exactly once, e.g.:

skyfeeds reorder --section pinned following at://did:plc:abc/app.bsky.feed.generator/cats`,
		Flags: append(sessionFlags(), sortableFlag(), languageFlag(),
			&cli.StringFlag{
				Name:  "section",
				Value: string(models.SectionPinned),
				Usage: "Section to reorder (pinned or all)",
			},
		),
		Action: func(ctx *cli.Context) error {
			section := models.Section(strings.ToLower(ctx.String("section")))
			order := make([]models.FeedID, 0, ctx.NArg())
			for _, arg := range ctx.Args().Slice() {
				order = append(order, models.FeedID(arg))
			}
			return withStore(ctx, func(store *savedfeeds.Store) error {
				return store.Reorder(section, order)
			})
		},
	}
}

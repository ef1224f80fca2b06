package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bookbot/config"
	"bookbot/internal/channel"
	"bookbot/internal/database"
	"bookbot/internal/listing"
	"bookbot/internal/locales"
	"bookbot/internal/logging"
	"bookbot/internal/reconcile"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultListLimit = 20

// app carries what every command needs once PersistentPreRunE has run.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	format string
	sentry bool
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bookbot",
		Short:        "Book listing bot for a Telegram channel",
		Long:         "Collects book photos with an 8-line caption, publishes them to a channel and refreshes old listings.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVar(&a.format, "format", formatText, "output format (text|json|yaml)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newReconcileCommand(a))
	cmd.AddCommand(newPostsCommand(a))
	cmd.AddCommand(newStatsCommand(a))
	cmd.AddCommand(newMigrateCommand(a))
	return cmd
}

func (a *app) init() error {
	if !isValidFormat(a.format) {
		return fmt.Errorf("invalid format %q: must be one of %v", a.format, validFormats)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	a.cfg, a.logger = cfg, logger

	if err := locales.Init(cfg.Language); err != nil {
		return fmt.Errorf("failed to load locales: %w", err)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.AppEnv,
		Release:          cfg.Version,
		EnableTracing:    true,
		TracesSampleRate: 1.0,
		Debug:            cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	a.sentry = true
	return nil
}

func (a *app) close() {
	if a.sentry {
		sentry.Flush(2 * time.Second)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// openStore connects the configured database and brings its schema up to date.
func (a *app) openStore(ctx context.Context) (database.PostRepository, error) {
	store, err := database.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		a.closeStore(store)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (a *app) closeStore(store database.PostRepository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
}

// newTelegram creates the Bot API client and the channel publisher on top of it.
func (a *app) newTelegram() (*telego.Bot, *channel.Publisher, error) {
	if err := a.cfg.ValidateBot(); err != nil {
		return nil, nil, fmt.Errorf("configuration error: %w", err)
	}
	chatID, err := channel.ParseChatID(a.cfg.ChannelID)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid CHANNEL_ID: %w", err)
	}
	tg, err := telego.NewBot(a.cfg.BotToken, telego.WithLogger(logging.Telego(a.logger)))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create telego bot: %w", err)
	}
	return tg, channel.NewPublisher(tg, chatID, a.cfg.OutboundRatePerMinute, a.logger), nil
}

// newScheduler builds a scheduler. A nil gateway is enough for Preview and Stats.
func (a *app) newScheduler(store reconcile.Store, gateway reconcile.Gateway) *reconcile.Scheduler {
	return reconcile.NewScheduler(store, gateway, listing.NewFormatter(a.cfg.Language, a.cfg.ContactHandle), reconcile.Options{
		IntervalDays:   a.cfg.RepostIntervalDays,
		Tick:           a.cfg.RepostTick,
		StartDelay:     a.cfg.RepostStartDelay,
		PublishTimeout: a.cfg.PublishTimeout,
	}, a.logger)
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and the reconciliation scheduler (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func newReconcileCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Long: `Deletes and republishes every listing older than the repost interval.

With --dry-run the due listings are printed and nothing is changed.
A pass started while "serve" is running in another process is not coordinated with it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			if dryRun {
				posts, err := a.newScheduler(store, nil).Preview(ctx)
				if err != nil {
					return err
				}
				return renderPosts(cmd.OutOrStdout(), a.format, posts, time.Now())
			}

			_, publisher, err := a.newTelegram()
			if err != nil {
				return err
			}
			report, err := a.newScheduler(store, publisher).RunOnce(ctx)
			if err != nil {
				return err
			}
			return renderReport(cmd.OutOrStdout(), a.format, report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list due listings without changing anything")
	return cmd
}

func newPostsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posts",
		Short: "Inspect and manage stored listings",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the newest listings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 {
				return fmt.Errorf("invalid --limit %d: must be at least 1", limit)
			}
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			posts, err := store.ListPosts(ctx, limit)
			if err != nil {
				return err
			}
			return renderPosts(cmd.OutOrStdout(), a.format, posts, time.Now())
		},
	}
	list.Flags().IntVar(&limit, "limit", defaultListLimit, "maximum number of listings")

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a stored listing",
		Long:  "Deletes the stored record only. Its channel messages are left in place and are no longer refreshed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid post id %q: %w", args[0], err)
			}
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			if err := store.DeletePost(ctx, id); err != nil {
				if errors.Is(err, database.ErrPostNotFound) {
					return fmt.Errorf("post %d does not exist", id)
				}
				return err
			}
			a.logger.Info("post deleted", zap.Int64("post_id", id))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted post %d\n", id)
			return err
		},
	}

	cmd.AddCommand(list, remove)
	return cmd
}

func newStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show how many listings are stored and due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			stats, err := a.newScheduler(store, nil).Stats(ctx)
			if err != nil {
				return err
			}
			return renderStats(cmd.OutOrStdout(), a.format, stats)
		},
	}
}

func newMigrateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.closeStore(store)

			backend, _ := database.ResolveURL(a.cfg.DatabaseURL)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", backend)
			return err
		},
	}
}

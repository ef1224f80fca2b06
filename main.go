package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	telegoBot "bookbot/bot"
	"bookbot/internal/auth"
	"bookbot/internal/handlers"
	"bookbot/internal/listing"
	"bookbot/internal/mediagroups"
	"bookbot/internal/publish"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	a := &app{}
	err := newRootCommand(a).Execute()
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

// serve runs the bot until SIGINT or SIGTERM.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateBot(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	latePolicy, err := mediagroups.ParseLatePolicy(cfg.LateFragmentPolicy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(ctx)
	if err != nil {
		sentry.CaptureException(err)
		return err
	}
	defer a.closeStore(store)

	tg, publisher, err := a.newTelegram()
	if err != nil {
		sentry.CaptureException(err)
		return err
	}

	formatter := listing.NewFormatter(cfg.Language, cfg.ContactHandle)
	coordinator := publish.NewCoordinator(store, publisher, formatter, publish.Options{Timeout: cfg.PublishTimeout}, a.logger)
	scheduler := a.newScheduler(store, publisher)

	adminChecker, err := auth.NewAdminChecker(tg, publisher.ChatID(), cfg.AdminIDs, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create admin checker: %w", err)
	}

	messageHandler, err := handlers.NewMessageHandler(handlers.Deps{
		Bot:          tg,
		Language:     cfg.Language,
		AdminChecker: adminChecker,
		Publisher:    coordinator,
		Reconciler:   scheduler,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create message handler: %w", err)
	}

	// Settled groups keep publishing while the process drains.
	manager := mediagroups.NewManager(context.WithoutCancel(ctx), messageHandler.HandleSubmission, mediagroups.Options{
		Delay:      cfg.MediaGroupDelay,
		Retention:  cfg.MediaGroupRetention,
		LatePolicy: latePolicy,
	}, a.logger)
	messageHandler.SetPendingCounter(manager)

	if err := messageHandler.SetupCommands(ctx); err != nil {
		a.logger.Warn("failed to register bot commands", zap.Error(err))
	}

	updates, err := tg.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		manager.Shutdown()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	appBot, err := telegoBot.New(telegoBot.BotDeps{
		Updates:   updates,
		Fragments: manager,
		Handler:   messageHandler,
		Logger:    a.logger,
	})
	if err != nil {
		manager.Shutdown()
		return err
	}

	a.logger.Info("bot started",
		zap.String("channel", cfg.ChannelID),
		zap.String("version", cfg.Version),
		zap.Int("repost_interval_days", cfg.RepostIntervalDays))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appBot.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	err = g.Wait()

	a.logger.Info("shutting down bot")
	manager.Shutdown()
	if n := manager.Discarded(); n > 0 {
		a.logger.Warn("discarded unsettled media groups", zap.Int64("groups", n))
	}
	a.logger.Info("bot shutdown complete")
	return err
}

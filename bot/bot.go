package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"bookbot/internal/mediagroups"

	"github.com/getsentry/sentry-go"
	"github.com/mymmrac/telego"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultUpdateRate    = 20
	defaultUpdateTimeout = 2 * time.Minute
)

// FragmentSink collects photo fragments into submissions.
type FragmentSink interface {
	HandleFragment(groupKey string, f mediagroups.Fragment) error
}

// UpdateHandler answers everything that is not a photo.
type UpdateHandler interface {
	HandleCommand(ctx context.Context, name string, message telego.Message) error
	HandleCallbackQuery(ctx context.Context, query telego.CallbackQuery) error
	HandleNonPhoto(ctx context.Context, message telego.Message) error
}

// Bot routes incoming updates: photos to the media group manager, commands
// and callbacks to the handler.
type Bot struct {
	updates       <-chan telego.Update
	fragments     FragmentSink
	handler       UpdateHandler
	ratelimiter   ratelimit.Limiter
	updateTimeout time.Duration
	logger        *zap.Logger
}

// BotDeps holds the dependencies required by the Bot.
type BotDeps struct {
	Updates   <-chan telego.Update
	Fragments FragmentSink
	Handler   UpdateHandler
	// RatePerSecond caps how many updates start processing per second.
	RatePerSecond int
	Logger        *zap.Logger
}

// New creates a new Bot instance from its dependencies.
func New(deps BotDeps) (*Bot, error) {
	switch {
	case deps.Updates == nil:
		return nil, errors.New("updates channel cannot be nil")
	case deps.Fragments == nil:
		return nil, errors.New("fragment sink cannot be nil")
	case deps.Handler == nil:
		return nil, errors.New("update handler cannot be nil")
	}
	if deps.RatePerSecond <= 0 {
		deps.RatePerSecond = defaultUpdateRate
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Bot{
		updates:       deps.Updates,
		fragments:     deps.Fragments,
		handler:       deps.Handler,
		ratelimiter:   ratelimit.New(deps.RatePerSecond),
		updateTimeout: defaultUpdateTimeout,
		logger:        deps.Logger.With(zap.String("component", "bot")),
	}, nil
}

// Start processes updates until ctx is done or the updates channel closes,
// then waits for in-flight updates.
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("listening for updates")

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		b.logger.Info("all update processing finished")
	}()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("context done, stopping update processing")
			return
		case update, ok := <-b.updates:
			if !ok {
				b.logger.Info("updates channel closed")
				return
			}
			if b.collectAlbumPhoto(update) {
				continue
			}
			wg.Add(1)
			go func(up telego.Update) {
				defer wg.Done()
				b.processUpdate(ctx, up)
			}(update)
		}
	}
}

// collectAlbumPhoto hands an album photo to the fragment sink on the receive
// loop, so fragments of one group reach it in delivery order. It reports
// whether the update was consumed.
func (b *Bot) collectAlbumPhoto(update telego.Update) bool {
	message := update.Message
	if message == nil || message.MediaGroupID == "" {
		return false
	}
	fragment, ok := fragmentFromMessage(*message)
	if !ok {
		return false
	}
	if err := b.fragments.HandleFragment(message.MediaGroupID, fragment); err != nil {
		b.logger.Warn("fragment not accepted",
			zap.String("group", message.MediaGroupID), zap.Int("message_id", message.MessageID), zap.Error(err))
	}
	return true
}

// processUpdate routes one update to its handler.
func (b *Bot) processUpdate(ctx context.Context, update telego.Update) {
	b.ratelimiter.Take()

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic recovered in processUpdate",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			sentry.CurrentHub().Recover(r)
			sentry.Flush(2 * time.Second)
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, *update.Message)
	case update.CallbackQuery != nil:
		query := *update.CallbackQuery
		processingCtx, cancel := context.WithTimeout(ctx, b.updateTimeout)
		defer cancel()
		b.report("callback", query.From.ID, b.handler.HandleCallbackQuery(processingCtx, query))
	default:
		b.logger.Debug("ignoring unhandled update type", zap.Int("update_id", update.UpdateID))
	}
}

func (b *Bot) handleMessage(ctx context.Context, message telego.Message) {
	// Channel posts and anonymous admins have no sender to answer.
	if message.From == nil {
		b.logger.Debug("ignoring message without sender", zap.Int("message_id", message.MessageID), zap.Int64("chat_id", message.Chat.ID))
		return
	}
	userID := message.From.ID

	if name, ok := commandName(message.Text); ok {
		// Commands run unbounded: /reconcile lasts as long as the pass.
		b.report("command "+name, userID, b.handler.HandleCommand(ctx, name, message))
		return
	}

	// Album photos were taken on the receive loop; only single photos get here.
	if fragment, ok := fragmentFromMessage(message); ok {
		if err := b.fragments.HandleFragment(message.MediaGroupID, fragment); err != nil {
			b.logger.Warn("fragment not accepted",
				zap.String("group", message.MediaGroupID), zap.Int("message_id", message.MessageID), zap.Error(err))
		}
		return
	}

	processingCtx, cancel := context.WithTimeout(ctx, b.updateTimeout)
	defer cancel()
	b.report("message", userID, b.handler.HandleNonPhoto(processingCtx, message))
}

func (b *Bot) report(kind string, userID int64, err error) {
	if err == nil {
		return
	}
	b.logger.Error("handler error", zap.String("kind", kind), zap.Int64("user_id", userID), zap.Error(err))
	sentry.CaptureException(fmt.Errorf("%s handler error for user %d: %w", kind, userID, err))
}

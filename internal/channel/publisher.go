// Package channel publishes listings to the Telegram channel and removes them again.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	telegoapi "bookbot/pkg/telegoapi"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// MaxMediaGroupSize is the largest album Telegram accepts in one call.
const MaxMediaGroupSize = 10

const rollbackTimeout = 10 * time.Second

var (
	// ErrMessageGone means the message to delete no longer exists.
	ErrMessageGone = errors.New("channel: message already gone")
	// ErrDeleteForbidden means the bot may not delete the message.
	ErrDeleteForbidden = errors.New("channel: not allowed to delete message")
	// ErrNoMedia is returned by Publish for an empty media list.
	ErrNoMedia = errors.New("channel: no media to publish")
)

// Publisher sends posts to one channel.
type Publisher struct {
	bot         telegoapi.BotAPI
	chatID      telego.ChatID
	limiter     ratelimit.Limiter
	maxAttempts int
	maxWait     time.Duration
	logger      *zap.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLimiter replaces the outbound rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Publisher) { p.limiter = l }
}

// WithMaxAttempts sets how many times a rate limited call is tried.
func WithMaxAttempts(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithMaxRetryWait caps the wait between rate limited attempts.
func WithMaxRetryWait(d time.Duration) Option {
	return func(p *Publisher) { p.maxWait = d }
}

// NewPublisher creates a Publisher for chatID that makes at most
// ratePerMinute outbound calls per minute. A non-positive rate disables pacing.
func NewPublisher(bot telegoapi.BotAPI, chatID telego.ChatID, ratePerMinute int, logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.NewUnlimited()
	if ratePerMinute > 0 {
		limiter = ratelimit.New(ratePerMinute, ratelimit.Per(time.Minute))
	}
	p := &Publisher{
		bot:         bot,
		chatID:      chatID,
		limiter:     limiter,
		maxAttempts: 3,
		maxWait:     time.Minute,
		logger:      logger.With(zap.String("component", "channel")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseChatID accepts a numeric chat id or an @username.
func ParseChatID(s string) (telego.ChatID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return telego.ChatID{}, errors.New("channel id is empty")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if !strings.HasPrefix(s, "@") {
		return telego.ChatID{}, fmt.Errorf("channel id %q must be numeric or start with @", s)
	}
	return tu.Username(s), nil
}

// ChatID returns the channel this publisher posts to.
func (p *Publisher) ChatID() telego.ChatID {
	return p.chatID
}

// Publish posts text with the given photos and returns the channel
// message ids in media order. A single photo becomes a photo message;
// more become albums of up to ten, with text as the caption of the first item.
// If a later album fails, the messages already sent are deleted.
func (p *Publisher) Publish(ctx context.Context, text string, mediaRefs []string) ([]int, error) {
	if len(mediaRefs) == 0 {
		return nil, ErrNoMedia
	}

	ids := make([]int, 0, len(mediaRefs))
	for start := 0; start < len(mediaRefs); start += MaxMediaGroupSize {
		end := min(start+MaxMediaGroupSize, len(mediaRefs))
		caption := ""
		if start == 0 {
			caption = text
		}

		var (
			sent []int
			err  error
		)
		if end-start == 1 {
			sent, err = p.sendPhoto(ctx, mediaRefs[start], caption)
		} else {
			sent, err = p.sendMediaGroup(ctx, mediaRefs[start:end], caption)
		}
		if err != nil {
			p.rollback(ctx, ids)
			return nil, err
		}
		ids = append(ids, sent...)
	}

	p.logger.Info("published post", zap.Ints("message_ids", ids), zap.Int("media", len(mediaRefs)))
	return ids, nil
}

func (p *Publisher) sendPhoto(ctx context.Context, ref, caption string) ([]int, error) {
	params := tu.Photo(p.chatID, tu.FileFromID(ref))
	if caption != "" {
		params = params.WithCaption(caption).WithParseMode(telego.ModeHTML)
	}

	var msg *telego.Message
	err := p.withRetry(ctx, "sendPhoto", func() error {
		var err error
		msg, err = p.bot.SendPhoto(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send photo: %w", err)
	}
	return []int{msg.MessageID}, nil
}

func (p *Publisher) sendMediaGroup(ctx context.Context, refs []string, caption string) ([]int, error) {
	media := make([]telego.InputMedia, 0, len(refs))
	for i, ref := range refs {
		photo := tu.MediaPhoto(tu.FileFromID(ref))
		if i == 0 && caption != "" {
			photo = photo.WithCaption(caption).WithParseMode(telego.ModeHTML)
		}
		media = append(media, photo)
	}
	params := tu.MediaGroup(p.chatID, media...)

	var msgs []telego.Message
	err := p.withRetry(ctx, "sendMediaGroup", func() error {
		var err error
		msgs, err = p.bot.SendMediaGroup(ctx, params)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send media group: %w", err)
	}

	ids := make([]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	return ids, nil
}

func (p *Publisher) rollback(ctx context.Context, ids []int) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	for _, id := range ids {
		if err := p.Delete(ctx, id); err != nil && !errors.Is(err, ErrMessageGone) {
			p.logger.Error("failed to roll back partial post", zap.Int("message_id", id), zap.Error(err))
		}
	}
}

// Delete removes one channel message. The error wraps ErrMessageGone or
// ErrDeleteForbidden when Telegram reports either condition.
func (p *Publisher) Delete(ctx context.Context, messageID int) error {
	err := p.withRetry(ctx, "deleteMessage", func() error {
		return p.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
			ChatID:    p.chatID,
			MessageID: messageID,
		})
	})
	if err == nil {
		return nil
	}
	return classifyDeleteError(messageID, err)
}

var (
	goneMarkers = []string{
		"message to delete not found",
		"message not found",
		"message_id_invalid",
	}
	forbiddenMarkers = []string{
		"message can't be deleted",
		"not enough rights",
		"have no rights",
		"forbidden",
		"403",
	}
)

func classifyDeleteError(messageID int, err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range goneMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("delete message %d: %w: %w", messageID, ErrMessageGone, err)
		}
	}
	for _, marker := range forbiddenMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("delete message %d: %w: %w", messageID, ErrDeleteForbidden, err)
		}
	}
	return fmt.Errorf("delete message %d: %w", messageID, err)
}

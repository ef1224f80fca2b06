package handlers

import (
	"context"
	"errors"
	"strings"

	"bookbot/internal/listing"
	"bookbot/internal/locales"
	"bookbot/internal/mediagroups"
	"bookbot/internal/publish"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

// HandleSubmission publishes a settled submission and tells the submitter
// how it went. It is the media group manager's ProcessFunc.
func (h *MessageHandler) HandleSubmission(ctx context.Context, sub mediagroups.Submission) error {
	res := h.publisher.Publish(ctx, publish.Submission{
		OwnerID:         sub.OwnerID,
		SourceMessageID: sub.SourceMessageID,
		Caption:         sub.Caption,
		MediaRefs:       sub.MediaRefs,
	})
	h.logger.Info("submission processed",
		zap.String("group", sub.GroupKey),
		zap.Int64("user_id", sub.OwnerID),
		zap.Stringer("outcome", res.Outcome),
		zap.Int64("post_id", res.PostID))
	h.replyResult(ctx, sub.ChatID, sub.SourceMessageID, res)
	return nil
}

// HandleCallbackQuery handles the retry button under a failed publish.
func (h *MessageHandler) HandleCallbackQuery(ctx context.Context, query telego.CallbackQuery) error {
	if err := h.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{CallbackQueryID: query.ID}); err != nil {
		h.logger.Warn("failed to answer callback query", zap.String("query_id", query.ID), zap.Error(err))
	}

	token, ok := strings.CutPrefix(query.Data, retryCallbackPrefix)
	if !ok || token == "" {
		h.logger.Debug("ignoring callback", zap.String("data", query.Data))
		return nil
	}

	res := h.publisher.Retry(ctx, token)
	h.logger.Info("retry processed",
		zap.String("token", token),
		zap.Int64("user_id", query.From.ID),
		zap.Stringer("outcome", res.Outcome))
	h.replyResult(ctx, query.From.ID, 0, res)
	return nil
}

// HandleNonPhoto answers anything that is neither a photo nor a command.
func (h *MessageHandler) HandleNonPhoto(ctx context.Context, message telego.Message) error {
	return h.sendSuccess(ctx, message.Chat.ID, message.MessageID, h.msg("MsgPhotoRequired", nil))
}

func (h *MessageHandler) replyResult(ctx context.Context, chatID int64, replyTo int, res publish.Result) {
	switch res.Outcome {
	case publish.Published:
		if res.AlreadyPublished {
			_ = h.sendSuccess(ctx, chatID, replyTo, h.msg("MsgAlreadyPublished", nil))
			return
		}
		_ = h.sendSuccess(ctx, chatID, replyTo, h.localizePlural("MsgPublishSuccess", res.MediaCount))

	case publish.Rejected:
		key := "MsgRejectTooFewLines"
		switch {
		case errors.Is(res.Err, listing.ErrNoCaption):
			key = "MsgRejectNoCaption"
		case errors.Is(res.Err, publish.ErrNoMedia):
			key = "MsgPhotoRequired"
		case errors.Is(res.Err, listing.ErrTooLong):
			key = "MsgRejectTooLong"
		}
		_ = h.sendSuccess(ctx, chatID, replyTo, h.msg(key, nil))

	case publish.TransientFailure:
		if errors.Is(res.Err, publish.ErrTokenExpired) {
			_ = h.sendSuccess(ctx, chatID, replyTo, h.msg("MsgRetryExpired", nil))
			return
		}
		params := h.message(chatID, replyTo, h.msg("MsgPublishFailed", nil))
		if res.RetryToken != "" {
			params = params.WithReplyMarkup(h.retryKeyboard(res.RetryToken))
		}
		h.send(ctx, params)
	}
}

func (h *MessageHandler) localizePlural(id string, count int) string {
	return locales.GetMessage(h.localizer, id, map[string]interface{}{"Count": count}, &count)
}

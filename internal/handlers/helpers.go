package handlers

import (
	"context"

	"bookbot/internal/locales"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.uber.org/zap"
)

const retryCallbackPrefix = "retry:"

// msg localizes id with the handler's language.
func (h *MessageHandler) msg(id string, data map[string]interface{}) string {
	return locales.GetMessage(h.localizer, id, data, nil)
}

// sendSuccess sends an HTML message. A non-zero replyTo quotes that message.
// Send failures are logged, not returned.
func (h *MessageHandler) sendSuccess(ctx context.Context, chatID int64, replyTo int, text string) error {
	h.send(ctx, h.message(chatID, replyTo, text))
	return nil
}

// sendError logs originalErr, tells the user something went wrong and
// returns originalErr so the update loop can report it.
func (h *MessageHandler) sendError(ctx context.Context, chatID int64, originalErr error) error {
	h.logger.Error("command failed", zap.Int64("chat_id", chatID), zap.Error(originalErr))
	h.send(ctx, h.message(chatID, 0, h.msg("MsgErrorGeneral", nil)))
	return originalErr
}

func (h *MessageHandler) message(chatID int64, replyTo int, text string) *telego.SendMessageParams {
	params := tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML)
	if replyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{
			MessageID:                replyTo,
			AllowSendingWithoutReply: true,
		}
	}
	return params
}

func (h *MessageHandler) send(ctx context.Context, params *telego.SendMessageParams) {
	if _, err := h.bot.SendMessage(ctx, params); err != nil {
		h.logger.Warn("failed to send message", zap.Int64("chat_id", params.ChatID.ID), zap.Error(err))
	}
}

func (h *MessageHandler) retryKeyboard(token string) *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton(h.msg("BtnRetry", nil)).WithCallbackData(retryCallbackPrefix + token),
		),
	)
}

// isAdmin treats a failed lookup as non-admin.
func (h *MessageHandler) isAdmin(ctx context.Context, user *telego.User) bool {
	if user == nil {
		return false
	}
	ok, err := h.adminChecker.IsAdmin(ctx, user.ID)
	if err != nil {
		h.logger.Warn("admin check failed, assuming non-admin", zap.Int64("user_id", user.ID), zap.Error(err))
		return false
	}
	return ok
}

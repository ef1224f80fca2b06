package handlers

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"bookbot/internal/listing"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

const previewLimit = 20

// HandleCommand dispatches a command message. Admin-only commands are
// refused to everyone else; unknown commands get a hint.
func (h *MessageHandler) HandleCommand(ctx context.Context, name string, message telego.Message) error {
	cmd := h.GetCommand(name)
	if cmd == nil {
		h.logger.Debug("unknown command", zap.String("command", name))
		return h.sendSuccess(ctx, message.Chat.ID, message.MessageID, h.msg("MsgErrorUnknownCommand", nil))
	}
	if cmd.AdminOnly && !h.isAdmin(ctx, message.From) {
		h.logger.Info("non-admin attempted admin command", zap.String("command", name), zap.Int64("chat_id", message.Chat.ID))
		return h.sendSuccess(ctx, message.Chat.ID, message.MessageID, h.msg("MsgErrorRequiresAdmin", nil))
	}
	return cmd.Handler(ctx, message)
}

// HandleStart registers the command list and greets the user.
func (h *MessageHandler) HandleStart(ctx context.Context, message telego.Message) error {
	if err := h.SetupCommands(ctx); err != nil {
		h.logger.Warn("failed to set up commands", zap.Error(err))
	}
	return h.sendSuccess(ctx, message.Chat.ID, 0, h.msg("MsgStart", nil))
}

// HandleHelp lists the commands the user may run.
func (h *MessageHandler) HandleHelp(ctx context.Context, message telego.Message) error {
	isAdmin := h.isAdmin(ctx, message.From)

	var helpText strings.Builder
	helpText.WriteString(h.msg("MsgHelpHeader", nil) + "\n")
	for _, cmd := range h.commands {
		if cmd.AdminOnly && !isAdmin {
			continue
		}
		helpText.WriteString(fmt.Sprintf("/%s - %s\n", cmd.Command, h.msg(cmd.Description, nil)))
	}
	if isAdmin {
		days := int(h.reconciler.Interval().Hours() / 24)
		helpText.WriteString(h.msg("MsgHelpFooterAdmin", map[string]interface{}{"Days": days}))
	} else {
		helpText.WriteString(h.msg("MsgHelpFooterUser", nil))
	}
	return h.sendSuccess(ctx, message.Chat.ID, 0, helpText.String())
}

// HandleStatus reports post counts and open media groups.
func (h *MessageHandler) HandleStatus(ctx context.Context, message telego.Message) error {
	stats, err := h.reconciler.Stats(ctx)
	if err != nil {
		return h.sendError(ctx, message.Chat.ID, fmt.Errorf("failed to load stats: %w", err))
	}
	pending := 0
	if h.pending != nil {
		pending = h.pending.Pending()
	}
	return h.sendSuccess(ctx, message.Chat.ID, 0, h.msg("MsgStatus", map[string]interface{}{
		"Total":   stats.Total,
		"Due":     stats.Due,
		"Pending": pending,
		"Days":    int(stats.Interval.Hours() / 24),
	}))
}

// HandleReconcile runs a refresh pass now and replies with its report.
// It waits if the scheduled pass is running.
func (h *MessageHandler) HandleReconcile(ctx context.Context, message telego.Message) error {
	_ = h.sendSuccess(ctx, message.Chat.ID, 0, h.msg("MsgReconcileStarted", nil))

	h.logger.Info("manual reconciliation requested", zap.Int64("user_id", message.From.ID))
	report, err := h.reconciler.RunOnce(ctx)
	if err != nil {
		return h.sendError(ctx, message.Chat.ID, fmt.Errorf("manual reconciliation failed: %w", err))
	}
	return h.sendSuccess(ctx, message.Chat.ID, 0, h.msg("MsgReconcileReport", map[string]interface{}{
		"RunID":       report.RunID.String()[:8],
		"Due":         report.Due,
		"Republished": report.Republished,
		"Skipped":     report.Skipped,
		"Failed":      report.Failed,
		"Invalid":     report.Invalid,
	}))
}

// HandlePreview lists the posts the next pass would refresh without touching them.
func (h *MessageHandler) HandlePreview(ctx context.Context, message telego.Message) error {
	posts, err := h.reconciler.Preview(ctx)
	if err != nil {
		return h.sendError(ctx, message.Chat.ID, fmt.Errorf("failed to preview reconciliation: %w", err))
	}
	if len(posts) == 0 {
		return h.sendSuccess(ctx, message.Chat.ID, 0, h.msg("MsgPreviewEmpty", nil))
	}

	now := time.Now()
	var b strings.Builder
	b.WriteString(h.msg("MsgPreviewHeader", map[string]interface{}{"Count": len(posts)}))
	b.WriteString("\n\n")
	for i, post := range posts {
		if i == previewLimit {
			b.WriteString(h.msg("MsgPreviewMore", map[string]interface{}{"Count": len(posts) - previewLimit}))
			break
		}
		b.WriteString(h.msg("MsgPreviewItem", map[string]interface{}{
			"ID":      post.ID,
			"Title":   html.EscapeString(listing.Title(post.TextContent)),
			"Age":     int(post.Age(now).Hours() / 24),
			"Reposts": post.RepostCount,
		}))
		b.WriteString("\n")
	}
	return h.sendSuccess(ctx, message.Chat.ID, 0, strings.TrimRight(b.String(), "\n"))
}

// SetupCommands registers the command list with Telegram.
func (h *MessageHandler) SetupCommands(ctx context.Context) error {
	commands := make([]telego.BotCommand, 0, len(h.commands))
	for _, cmd := range h.commands {
		commands = append(commands, telego.BotCommand{
			Command:     cmd.Command,
			Description: h.msg(cmd.Description, nil),
		})
	}
	if err := h.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
		return fmt.Errorf("failed to set bot commands: %w", err)
	}
	h.logger.Info("bot commands registered", zap.Int("count", len(commands)))
	return nil
}

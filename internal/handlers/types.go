package handlers

import (
	"context"
	"errors"

	"bookbot/internal/locales"
	telegoapi "bookbot/pkg/telegoapi"

	"github.com/mymmrac/telego"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"go.uber.org/zap"
)

// Command maps a bot command to its description key and handler.
type Command struct {
	Command     string                                      // The command string (e.g., "start").
	Description string                                      // Message id of the localized description.
	Handler     func(context.Context, telego.Message) error // The function to execute when the command is received.
	AdminOnly   bool                                        // Hidden from and refused to non-admins.
}

// Deps holds what a MessageHandler needs.
type Deps struct {
	Bot          telegoapi.BotAPI
	Language     string
	AdminChecker AdminChecker
	Publisher    Publisher
	Reconciler   Reconciler
	Logger       *zap.Logger
}

// MessageHandler answers commands, reports publish results to submitters
// and handles the retry button.
type MessageHandler struct {
	bot          telegoapi.BotAPI
	localizer    *i18n.Localizer
	adminChecker AdminChecker
	publisher    Publisher
	reconciler   Reconciler
	pending      PendingCounter
	commands     []Command
	logger       *zap.Logger
}

// NewMessageHandler creates a MessageHandler. locales.Init must have been called.
func NewMessageHandler(deps Deps) (*MessageHandler, error) {
	switch {
	case deps.Bot == nil:
		return nil, errors.New("telego bot (BotAPI) instance cannot be nil")
	case deps.AdminChecker == nil:
		return nil, errors.New("admin checker cannot be nil")
	case deps.Publisher == nil:
		return nil, errors.New("publisher cannot be nil")
	case deps.Reconciler == nil:
		return nil, errors.New("reconciler cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Language == "" {
		deps.Language = locales.DefaultLanguage()
	}

	h := &MessageHandler{
		bot:          deps.Bot,
		localizer:    locales.NewLocalizer(deps.Language),
		adminChecker: deps.AdminChecker,
		publisher:    deps.Publisher,
		reconciler:   deps.Reconciler,
		logger:       deps.Logger.With(zap.String("component", "handlers")),
	}
	h.commands = []Command{
		{Command: "start", Description: "CmdStartDesc", Handler: h.HandleStart},
		{Command: "help", Description: "CmdHelpDesc", Handler: h.HandleHelp},
		{Command: "status", Description: "CmdStatusDesc", Handler: h.HandleStatus, AdminOnly: true},
		{Command: "reconcile", Description: "CmdReconcileDesc", Handler: h.HandleReconcile, AdminOnly: true},
		{Command: "preview", Description: "CmdPreviewDesc", Handler: h.HandlePreview, AdminOnly: true},
	}
	return h, nil
}

// SetPendingCounter attaches the media group manager once it exists; the
// manager itself is built around HandleSubmission.
func (h *MessageHandler) SetPendingCounter(p PendingCounter) {
	h.pending = p
}

// GetCommand returns the command registered under name, or nil.
func (h *MessageHandler) GetCommand(name string) *Command {
	for i := range h.commands {
		if h.commands[i].Command == name {
			return &h.commands[i]
		}
	}
	return nil
}

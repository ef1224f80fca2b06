package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	telegoapi "bookbot/pkg/telegoapi"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mymmrac/telego"
	"go.uber.org/zap"
)

const (
	statusCacheSize = 256
	statusCacheTTL  = 5 * time.Minute
)

// AdminChecker decides who may run operator commands: the configured admin
// ids, plus creators and administrators of the target channel.
type AdminChecker struct {
	bot       telegoapi.BotAPI
	channelID telego.ChatID
	adminIDs  map[int64]struct{}
	statuses  *expirable.LRU[int64, bool]
	logger    *zap.Logger
}

// NewAdminChecker creates an AdminChecker. Channel lookups are cached for a few minutes.
func NewAdminChecker(bot telegoapi.BotAPI, channelID telego.ChatID, adminIDs []int64, logger *zap.Logger) (*AdminChecker, error) {
	if bot == nil {
		return nil, errors.New("telego bot instance cannot be nil")
	}
	if channelID.ID == 0 && channelID.Username == "" {
		return nil, errors.New("target channel ID cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ids := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		ids[id] = struct{}{}
	}
	return &AdminChecker{
		bot:       bot,
		channelID: channelID,
		adminIDs:  ids,
		statuses:  expirable.NewLRU[int64, bool](statusCacheSize, nil, statusCacheTTL),
		logger:    logger.With(zap.String("component", "auth")),
	}, nil
}

// IsAdmin reports whether userID is an operator.
func (ac *AdminChecker) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	if _, ok := ac.adminIDs[userID]; ok {
		return true, nil
	}
	if cached, ok := ac.statuses.Get(userID); ok {
		return cached, nil
	}

	member, err := ac.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: ac.channelID,
		UserID: userID,
	})
	if err != nil {
		// A user not found in the channel is simply not an admin.
		if strings.Contains(strings.ToLower(err.Error()), "user not found") {
			ac.statuses.Add(userID, false)
			return false, nil
		}
		ac.logger.Warn("failed to check chat member", zap.Int64("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("failed to get chat member info: %w", err)
	}

	status := member.MemberStatus()
	isAdmin := status == telego.MemberStatusCreator || status == telego.MemberStatusAdministrator
	ac.statuses.Add(userID, isAdmin)
	return isAdmin, nil
}

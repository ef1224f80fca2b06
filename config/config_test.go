package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("CHANNEL_ID", "@books")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.BotToken)
	assert.Equal(t, "@books", cfg.ChannelID)
	assert.Equal(t, time.Second, cfg.MediaGroupDelay)
	assert.Equal(t, time.Hour, cfg.MediaGroupRetention)
	assert.Equal(t, 60*time.Second, cfg.PublishTimeout)
	assert.Equal(t, 7, cfg.RepostIntervalDays)
	assert.Equal(t, 7*24*time.Hour, cfg.RepostInterval())
	assert.Equal(t, 24*time.Hour, cfg.RepostTick)
	assert.Equal(t, 10*time.Second, cfg.RepostStartDelay)
	assert.Equal(t, LatePolicySplit, cfg.LateFragmentPolicy)
	assert.Equal(t, "uz", cfg.Language)
	assert.NoError(t, cfg.ValidateBot())
}

func TestFromEnvLegacyTokenAndAdmins(t *testing.T) {
	t.Setenv("BOT_TOKEN", "legacy")
	t.Setenv("CHANNEL_ID", "-1001234")
	t.Setenv("ADMIN_IDS", "12, 34,,56")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "legacy", cfg.BotToken)
	assert.Equal(t, []int64{12, 34, 56}, cfg.AdminIDs)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"ADMIN_IDS":            "12,abc",
		"MEDIA_GROUP_DELAY":    "soon",
		"PUBLISH_TIMEOUT":      "-1s",
		"REPOST_INTERVAL_DAYS": "0",
		"LATE_FRAGMENT_POLICY": "merge",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}

func TestValidateBot(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ValidateBot())
	cfg.BotToken = "x"
	assert.Error(t, cfg.ValidateBot())
	cfg.ChannelID = "@c"
	assert.NoError(t, cfg.ValidateBot())
}

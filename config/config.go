package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Late fragment policies accepted by LATE_FRAGMENT_POLICY.
const (
	LatePolicySplit = "split"
	LatePolicyDrop  = "drop"
)

// Config holds the application configuration.
type Config struct {
	AppEnv    string
	Debug     bool
	Version   string
	BotToken  string
	SentryDSN string

	// ChannelID is either a numeric chat id or an @username.
	ChannelID string
	AdminIDs  []int64

	DatabaseURL     string
	MongoDBDatabase string

	Language      string
	ContactHandle string

	MediaGroupDelay     time.Duration
	MediaGroupRetention time.Duration
	LateFragmentPolicy  string

	PublishTimeout        time.Duration
	RepostIntervalDays    int
	RepostTick            time.Duration
	RepostStartDelay      time.Duration
	OutboundRatePerMinute int
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present but prioritizes
// actual environment variables set in the system (e.g., by Docker).
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current process environment only.
func FromEnv() (*Config, error) {
	debug, err := strconv.ParseBool(getEnv("DEBUG", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid DEBUG: %w", err)
	}

	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Debug:           debug,
		Version:         getEnv("VERSION", "dev"),
		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", getEnv("BOT_TOKEN", "")),
		SentryDSN:       getEnv("SENTRY_DSN", ""),
		ChannelID:       strings.TrimSpace(getEnv("CHANNEL_ID", "")),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		MongoDBDatabase: getEnv("MONGODB_DATABASE", "bookbot"),
		Language:        getEnv("LANGUAGE", "uz"),
		ContactHandle:   getEnv("CONTACT_HANDLE", "@Yollovchi"),
	}

	if cfg.AdminIDs, err = parseIDList(getEnv("ADMIN_IDS", "")); err != nil {
		return nil, fmt.Errorf("invalid ADMIN_IDS: %w", err)
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"MEDIA_GROUP_DELAY", "1s", &cfg.MediaGroupDelay},
		{"MEDIA_GROUP_RETENTION", "1h", &cfg.MediaGroupRetention},
		{"PUBLISH_TIMEOUT", "60s", &cfg.PublishTimeout},
		{"REPOST_TICK", "24h", &cfg.RepostTick},
		{"REPOST_START_DELAY", "10s", &cfg.RepostStartDelay},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dest = v
	}

	if cfg.RepostIntervalDays, err = strconv.Atoi(getEnv("REPOST_INTERVAL_DAYS", "7")); err != nil {
		return nil, fmt.Errorf("invalid REPOST_INTERVAL_DAYS: %w", err)
	}
	if cfg.RepostIntervalDays < 1 {
		return nil, fmt.Errorf("invalid REPOST_INTERVAL_DAYS: must be at least 1")
	}
	if cfg.OutboundRatePerMinute, err = strconv.Atoi(getEnv("OUTBOUND_RATE_PER_MINUTE", "20")); err != nil {
		return nil, fmt.Errorf("invalid OUTBOUND_RATE_PER_MINUTE: %w", err)
	}
	if cfg.OutboundRatePerMinute < 1 {
		return nil, fmt.Errorf("invalid OUTBOUND_RATE_PER_MINUTE: must be at least 1")
	}

	cfg.LateFragmentPolicy = strings.ToLower(getEnv("LATE_FRAGMENT_POLICY", LatePolicySplit))
	if cfg.LateFragmentPolicy != LatePolicySplit && cfg.LateFragmentPolicy != LatePolicyDrop {
		return nil, fmt.Errorf("invalid LATE_FRAGMENT_POLICY %q: want %q or %q", cfg.LateFragmentPolicy, LatePolicySplit, LatePolicyDrop)
	}

	if cfg.SentryDSN == "" {
		log.Println("Warning: SENTRY_DSN is not set. Error tracking disabled.")
	}

	return cfg, nil
}

// ValidateBot checks the settings only the Telegram-facing commands need.
// Database-only CLI commands run without a token.
func (c *Config) ValidateBot() error {
	if c.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if c.ChannelID == "" {
		return fmt.Errorf("CHANNEL_ID is required")
	}
	return nil
}

// RepostInterval returns the reconciliation age threshold as a duration.
func (c *Config) RepostInterval() time.Duration {
	return time.Duration(c.RepostIntervalDays) * 24 * time.Hour
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a numeric user id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

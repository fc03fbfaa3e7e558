// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the daemon can run locally with minimal setup.
// For OAuth credentials, use ValidateOAuth.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultChannel is the channel monitored when TWITCH_CHANNEL is unset.
const DefaultChannel = "monodie"

type Config struct {
	// Monitoring
	TwitchChannel string
	StatusBaseURL string
	PollInterval  time.Duration

	// Twitch OAuth
	TwitchClientID       string
	TwitchClientSecret   string
	TwitchRedirectURI    string
	TwitchScopes         string
	TwitchAuthBaseURL    string
	TokenRefreshInterval time.Duration

	// Chat
	TwitchChatURL string

	// Store
	DBDsn         string
	EncryptionKey string

	// HTTP action API
	HTTPAddr string

	// Side effects
	TelegramBotToken string
	TelegramChatID   int64
	BrowserCommand   string
	TabsDisabled     bool
}

// Load reads environment variables and applies defaults. It doesn't fail if OAuth creds are missing;
// use ValidateOAuth() when the code grant is required. Missing optional variables disable features (e.g. Telegram).
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchChannel = strings.ToLower(strings.TrimPrefix(os.Getenv("TWITCH_CHANNEL"), "#"))
	if cfg.TwitchChannel == "" {
		cfg.TwitchChannel = DefaultChannel
	}
	cfg.StatusBaseURL = strings.TrimRight(os.Getenv("STATUS_BASE_URL"), "/")
	if cfg.StatusBaseURL == "" {
		cfg.StatusBaseURL = "https://decapi.me/twitch/uptime"
	}
	d, err := durationEnv("POLL_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.PollInterval = d

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchRedirectURI = os.Getenv("TWITCH_REDIRECT_URI")
	cfg.TwitchScopes = os.Getenv("TWITCH_SCOPES")
	if cfg.TwitchScopes == "" {
		// chat bot scopes
		cfg.TwitchScopes = "chat:read chat:edit"
	}
	cfg.TwitchAuthBaseURL = strings.TrimRight(os.Getenv("TWITCH_AUTH_BASE_URL"), "/")
	if cfg.TwitchAuthBaseURL == "" {
		cfg.TwitchAuthBaseURL = "https://id.twitch.tv/oauth2"
	}
	if cfg.TokenRefreshInterval, err = durationEnv("TOKEN_REFRESH_INTERVAL", 30*time.Minute); err != nil {
		return nil, err
	}

	cfg.TwitchChatURL = os.Getenv("TWITCH_CHAT_URL")
	if cfg.TwitchChatURL == "" {
		cfg.TwitchChatURL = "wss://irc-ws.chat.twitch.tv:443"
	}

	cfg.DBDsn = os.Getenv("DB_DSN")
	if cfg.DBDsn == "" {
		cfg.DBDsn = "data/live-notifier.db"
	}
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8080"
	}

	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}
	cfg.BrowserCommand = os.Getenv("BROWSER_COMMAND")
	cfg.TabsDisabled = os.Getenv("TABS_DISABLED") == "1"

	return cfg, nil
}

// ChannelURL is the page opened when the channel goes live.
func (c *Config) ChannelURL() string {
	return "https://www.twitch.tv/" + c.TwitchChannel
}

// TelegramEnabled reports whether live notifications are also pushed to Telegram.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// ValidateOAuth checks the fields required by the authorization code grant.
func (c *Config) ValidateOAuth() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" || c.TwitchRedirectURI == "" {
		return fmt.Errorf("missing twitch oauth env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI")
	}
	return nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s (duration): %q", key, v)
	}
	return d, nil
}

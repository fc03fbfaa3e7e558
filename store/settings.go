package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Persisted keys shared with the action API and CLI.
const (
	KeyAutoOpen       = "autoOpen"
	KeyMuted          = "muted"
	KeyAutoMessages   = "autoMessages"
	KeyMessages       = "messages"
	KeyMinInterval    = "minInterval"
	KeyMaxInterval    = "maxInterval"
	KeyAccessToken    = "twitch_access_token"
	KeyRefreshToken   = "twitch_refresh_token"
	KeyUsername       = "twitch_username"
	KeyReturnURL      = "oauth_return_url"
	KeyTokenTimestamp = "twitch_oauth_timestamp"
	KeyTokenExpiry    = "twitch_token_expiry"
)

// ErrInvalidSettings wraps every Settings.Validate failure.
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the user configuration read by the poller and the message scheduler.
type Settings struct {
	AutoOpen     bool     `json:"autoOpen"`
	Muted        bool     `json:"muted"`
	AutoMessages bool     `json:"autoMessages"`
	Messages     []string `json:"messages"`
	MinInterval  int      `json:"minInterval"`
	MaxInterval  int      `json:"maxInterval"`
}

// DefaultMessages are written on first run.
var DefaultMessages = []string{
	"Salut ! 👋",
	"Super live comme toujours !",
	"Continue comme ça !",
	"Tu gères ! 🔥",
}

// DefaultSettings returns the first-run configuration.
func DefaultSettings() Settings {
	return Settings{
		AutoOpen:     true,
		Muted:        true,
		AutoMessages: true,
		Messages:     append([]string(nil), DefaultMessages...),
		MinInterval:  15,
		MaxInterval:  40,
	}
}

// Validate enforces the options constraints.
func (s Settings) Validate() error {
	if s.MinInterval < 1 || s.MaxInterval < 1 {
		return fmt.Errorf("%w: intervals must be at least 1 minute", ErrInvalidSettings)
	}
	if s.MinInterval >= s.MaxInterval {
		return fmt.Errorf("%w: minInterval must be lower than maxInterval", ErrInvalidSettings)
	}
	if s.AutoMessages && len(s.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty when autoMessages is enabled", ErrInvalidSettings)
	}
	return nil
}

// LoadSettings reads the configuration; absent keys take their default value.
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	out := DefaultSettings()
	fields := []struct {
		key string
		dst any
	}{
		{KeyAutoOpen, &out.AutoOpen},
		{KeyMuted, &out.Muted},
		{KeyAutoMessages, &out.AutoMessages},
		{KeyMessages, &out.Messages},
		{KeyMinInterval, &out.MinInterval},
		{KeyMaxInterval, &out.MaxInterval},
	}
	for _, f := range fields {
		if _, err := s.Get(ctx, f.key, f.dst); err != nil {
			return DefaultSettings(), err
		}
	}
	return out, nil
}

// SaveSettings validates and writes every settings key in one batch.
func (s *Store) SaveSettings(ctx context.Context, st Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	messages := st.Messages
	if messages == nil {
		messages = []string{}
	}
	return s.SetMany(ctx, map[string]any{
		KeyAutoOpen:     st.AutoOpen,
		KeyMuted:        st.Muted,
		KeyAutoMessages: st.AutoMessages,
		KeyMessages:     messages,
		KeyMinInterval:  st.MinInterval,
		KeyMaxInterval:  st.MaxInterval,
	})
}

// EnsureDefaults writes the default value of every settings key that is absent.
// Explicit false values are kept.
func (s *Store) EnsureDefaults(ctx context.Context) error {
	def := DefaultSettings()
	defaults := map[string]any{
		KeyAutoOpen:     def.AutoOpen,
		KeyMuted:        def.Muted,
		KeyAutoMessages: def.AutoMessages,
		KeyMessages:     def.Messages,
		KeyMinInterval:  def.MinInterval,
		KeyMaxInterval:  def.MaxInterval,
	}
	missing := map[string]any{}
	for k, v := range defaults {
		raw, err := s.GetRaw(ctx, k)
		if err != nil {
			return err
		}
		if raw == nil {
			missing[k] = v
			continue
		}
		// an empty message list counts as missing
		if k == KeyMessages {
			var msgs []string
			if _, err := s.Get(ctx, k, &msgs); err == nil && len(msgs) == 0 {
				missing[k] = v
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return s.SetMany(ctx, missing)
}

// Session is the OAuth state. An empty AccessToken means logged out.
type Session struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	Username     string `json:"username,omitempty"`
}

// LoggedIn reports whether an access token is present. Validity is not checked.
func (s Session) LoggedIn() bool { return s.AccessToken != "" }

// LoadSession reads the session keys.
func (s *Store) LoadSession(ctx context.Context) (Session, error) {
	var out Session
	for _, f := range []struct {
		key string
		dst *string
	}{
		{KeyAccessToken, &out.AccessToken},
		{KeyRefreshToken, &out.RefreshToken},
		{KeyUsername, &out.Username},
	} {
		if _, err := s.Get(ctx, f.key, f.dst); err != nil {
			return Session{}, err
		}
	}
	return out, nil
}

// SaveTokens persists a token pair. An empty refresh token keeps the stored one.
func (s *Store) SaveTokens(ctx context.Context, access, refresh string) error {
	values := map[string]any{
		KeyAccessToken:    access,
		KeyTokenTimestamp: time.Now().UnixMilli(),
	}
	if refresh != "" {
		values[KeyRefreshToken] = refresh
	}
	return s.SetMany(ctx, values)
}

// SaveAccessOnly persists a token that cannot be refreshed. Any stored refresh token and expiry
// belong to an earlier grant and are removed in the same write.
func (s *Store) SaveAccessOnly(ctx context.Context, access string) error {
	set := make(map[string]json.RawMessage, 2)
	for k, v := range map[string]any{KeyAccessToken: access, KeyTokenTimestamp: time.Now().UnixMilli()} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		set[k] = b
	}
	return s.write(ctx, set, []string{KeyRefreshToken, KeyTokenExpiry})
}

// ClearTokens removes both tokens and the recorded expiry.
func (s *Store) ClearTokens(ctx context.Context) error {
	return s.Remove(ctx, KeyAccessToken, KeyRefreshToken, KeyTokenExpiry)
}

// SaveTokenExpiry records when the access token expires. A zero time removes the record.
func (s *Store) SaveTokenExpiry(ctx context.Context, t time.Time) error {
	if t.IsZero() {
		return s.Remove(ctx, KeyTokenExpiry)
	}
	return s.Set(ctx, KeyTokenExpiry, t.UnixMilli())
}

// TokenExpiry returns the recorded access token expiry; ok is false when unknown.
func (s *Store) TokenExpiry(ctx context.Context) (t time.Time, ok bool, err error) {
	var ms int64
	ok, err = s.Get(ctx, KeyTokenExpiry, &ms)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

// Package oauth manages the Twitch session: starting an authorization, completing it from a
// code or an implicit-grant redirect, refreshing the access token and logging out.
// Tokens live in the settings store; other components learn about changes through store.Subscribe.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/onnwee/live-notifier/store"
	"github.com/onnwee/live-notifier/telemetry"
	"github.com/onnwee/live-notifier/twitchapi"
)

var (
	ErrNoToken         = errors.New("no access token")
	ErrNoRefreshToken  = errors.New("no refresh token stored")
	ErrRefreshRejected = errors.New("refresh rejected by provider")
	ErrMissingCode     = errors.New("authorization code missing")
	ErrProviderDenied  = errors.New("authorization denied by provider")
	ErrInvalidState    = errors.New("invalid or expired oauth state")
	ErrNotConfigured   = errors.New("twitch oauth not configured")
	ErrBadReturnURL    = errors.New("return url must be a path on this server")
)

// Manager is safe for concurrent use.
type Manager struct {
	store   *store.Store
	cfg     twitchapi.OAuthConfig
	channel string
	states  *stateStore
	logger  *slog.Logger
}

// NewManager builds a manager. channel is the username fallback for chat login.
func NewManager(st *store.Store, cfg twitchapi.OAuthConfig, channel string) *Manager {
	return &Manager{
		store:   st,
		cfg:     cfg,
		channel: channel,
		states:  newStateStore(),
		logger:  slog.Default().With(slog.String("component", "oauth")),
	}
}

// CodeGrant reports whether a client secret is configured, i.e. whether tokens are refreshable.
func (m *Manager) CodeGrant() bool { return m.cfg.ClientSecret != "" }

// Authenticate persists returnURL and returns the authorize URL to send the user to.
// returnURL must be a relative path. With a client secret the code grant is used, otherwise the
// implicit grant.
func (m *Manager) Authenticate(ctx context.Context, returnURL string) (string, error) {
	if m.cfg.ClientID == "" || m.cfg.RedirectURI == "" {
		return "", ErrNotConfigured
	}
	if returnURL != "" {
		if !localPath(returnURL) {
			return "", ErrBadReturnURL
		}
		if err := m.store.Set(ctx, store.KeyReturnURL, returnURL); err != nil {
			return "", fmt.Errorf("persist return url: %w", err)
		}
	}
	st, err := m.states.issue()
	if err != nil {
		return "", fmt.Errorf("state gen: %w", err)
	}
	if st == "" {
		return "", errors.New("too many pending authorizations")
	}
	responseType := twitchapi.ResponseTypeToken
	if m.CodeGrant() {
		responseType = twitchapi.ResponseTypeCode
	}
	return twitchapi.BuildAuthorizeURL(m.cfg, responseType, st)
}

// HandleCallback completes a code-grant redirect from its query parameters and returns the
// location persisted by Authenticate (possibly empty).
func (m *Manager) HandleCallback(ctx context.Context, q url.Values) (string, error) {
	if code := q.Get("error"); code != "" {
		return "", fmt.Errorf("%w: %w", ErrProviderDenied, &twitchapi.ProviderError{Code: code, Description: q.Get("error_description")})
	}
	if !m.states.consume(q.Get("state")) {
		return "", ErrInvalidState
	}
	if err := m.ExchangeCode(ctx, q.Get("code")); err != nil {
		return "", err
	}
	return m.popReturnURL(ctx), nil
}

// ExchangeCode trades an authorization code for a token pair and persists it.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	if code == "" {
		return ErrMissingCode
	}
	if !m.CodeGrant() {
		return ErrNotConfigured
	}
	res, err := twitchapi.ExchangeAuthCode(ctx, m.cfg, code)
	if err != nil {
		return err
	}
	if err := m.persist(ctx, res.AccessToken, res.RefreshToken); err != nil {
		return err
	}
	if err := m.store.SaveTokenExpiry(ctx, res.Expiry); err != nil {
		m.logger.Warn("persist token expiry", slog.Any("err", err))
	}
	m.logger.Info("twitch authorization completed", slog.String("grant", "code"))
	return nil
}

// CompleteImplicit stores the token carried by an implicit-grant redirect (URL or fragment).
// The redirect must carry a state issued by Authenticate. Such tokens are not refreshable.
func (m *Manager) CompleteImplicit(ctx context.Context, redirect string) error {
	tok, state, err := twitchapi.ParseRedirect(redirect)
	if err != nil {
		var perr *twitchapi.ProviderError
		if errors.As(err, &perr) {
			return fmt.Errorf("%w: %w", ErrProviderDenied, perr)
		}
		if errors.Is(err, twitchapi.ErrNoAccessToken) {
			return ErrNoToken
		}
		return err
	}
	if !m.states.consume(state) {
		return ErrInvalidState
	}
	if err := m.StoreToken(ctx, tok); err != nil {
		return err
	}
	m.logger.Info("twitch authorization completed", slog.String("grant", "implicit"))
	return nil
}

// StoreToken persists an access token relayed by a collaborator. The token is not refreshable,
// so the refresh token and expiry of any earlier grant are dropped with it.
func (m *Manager) StoreToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrNoToken
	}
	if err := m.store.SaveAccessOnly(ctx, token); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	m.recordUsername(ctx, token)
	return nil
}

// RefreshAccessToken runs the refresh grant with the stored refresh token and persists the result.
func (m *Manager) RefreshAccessToken(ctx context.Context) (string, error) {
	sess, err := m.store.LoadSession(ctx)
	if err != nil {
		return "", err
	}
	if sess.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	if !m.CodeGrant() {
		return "", ErrNotConfigured
	}
	res, err := twitchapi.RefreshToken(ctx, m.cfg, sess.RefreshToken)
	if err != nil {
		telemetry.IncVec(telemetry.TokenRefreshes, "error")
		if errors.Is(err, twitchapi.ErrTokenRejected) {
			return "", fmt.Errorf("%w: %w", ErrRefreshRejected, err)
		}
		return "", err
	}
	if err := m.store.SaveTokens(ctx, res.AccessToken, res.RefreshToken); err != nil {
		telemetry.IncVec(telemetry.TokenRefreshes, "error")
		return "", err
	}
	if err := m.store.SaveTokenExpiry(ctx, res.Expiry); err != nil {
		m.logger.Warn("persist token expiry", slog.Any("err", err))
	}
	telemetry.IncVec(telemetry.TokenRefreshes, "ok")
	m.logger.Info("token refreshed")
	return res.AccessToken, nil
}

// IsAuthenticated is true iff an access token is stored. Validity is not checked.
func (m *Manager) IsAuthenticated(ctx context.Context) (bool, error) {
	sess, err := m.store.LoadSession(ctx)
	if err != nil {
		return false, err
	}
	return sess.LoggedIn(), nil
}

// Logout clears both tokens.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.store.ClearTokens(ctx); err != nil {
		return err
	}
	m.logger.Info("logged out")
	return nil
}

// Credentials returns the chat login: access token and nickname. The nickname falls back to
// the monitored channel when no username is stored.
func (m *Manager) Credentials(ctx context.Context) (token, username string, err error) {
	sess, err := m.store.LoadSession(ctx)
	if err != nil {
		return "", "", err
	}
	if !sess.LoggedIn() {
		return "", "", ErrNoToken
	}
	username = sess.Username
	if username == "" {
		username = m.channel
	}
	return sess.AccessToken, username, nil
}

// persist saves the tokens, then records the token owner's login as username.
func (m *Manager) persist(ctx context.Context, access, refresh string) error {
	if err := m.store.SaveTokens(ctx, access, refresh); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	m.recordUsername(ctx, access)
	return nil
}

// recordUsername is best effort: a failed validation keeps the previous username.
func (m *Manager) recordUsername(ctx context.Context, access string) {
	info, err := twitchapi.ValidateToken(ctx, m.cfg, access)
	if err != nil {
		m.logger.Debug("token validation skipped", slog.Any("err", err))
		return
	}
	if info.Login != "" {
		if err := m.store.Set(ctx, store.KeyUsername, info.Login); err != nil {
			m.logger.Warn("persist username", slog.Any("err", err))
		}
	}
}

// localPath accepts "/path?query" style targets only, never another host.
func localPath(raw string) bool {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "" && u.Host == ""
}

func (m *Manager) popReturnURL(ctx context.Context) string {
	var ret string
	if ok, err := m.store.Get(ctx, store.KeyReturnURL, &ret); err != nil || !ok {
		return ""
	}
	if err := m.store.Remove(ctx, store.KeyReturnURL); err != nil {
		m.logger.Warn("clear return url", slog.Any("err", err))
	}
	return ret
}

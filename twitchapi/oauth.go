package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
)

// DefaultAuthBaseURL hosts the authorize and token endpoints.
const DefaultAuthBaseURL = "https://id.twitch.tv/oauth2"

// Response types accepted by the authorize endpoint.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

var (
	// ErrTokenRejected means the token endpoint answered but granted no access token.
	ErrTokenRejected = errors.New("token endpoint rejected the request")
	// ErrNoAccessToken means a redirect carried neither a token nor an error.
	ErrNoAccessToken = errors.New("no access_token in redirect")
)

// ProviderError is an error reported by the identity provider on the redirect.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("twitch authorization failed: %s: %s", e.Code, e.Description)
	}
	return "twitch authorization failed: " + e.Code
}

// OAuthConfig holds the confidential client registration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       string // space or comma separated
	AuthBaseURL  string
}

// TokenResult is the parsed token endpoint response.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

func (c OAuthConfig) baseURL() string {
	if c.AuthBaseURL == "" {
		return DefaultAuthBaseURL
	}
	return strings.TrimRight(c.AuthBaseURL, "/")
}

func (c OAuthConfig) scopes() []string {
	return strings.Fields(strings.ReplaceAll(c.Scopes, ",", " "))
}

// OAuth2 returns the x/oauth2 configuration. Twitch expects credentials in the form body.
func (c OAuthConfig) OAuth2() *oauth2.Config {
	base := c.baseURL()
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.scopes(),
		Endpoint: oauth2.Endpoint{
			AuthURL:   base + "/authorize",
			TokenURL:  base + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// BuildAuthorizeURL constructs the user authorization URL for the given response type.
// force_verify is always set so the provider shows the consent screen.
func BuildAuthorizeURL(cfg OAuthConfig, responseType, state string) (string, error) {
	if cfg.ClientID == "" || cfg.RedirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	switch responseType {
	case ResponseTypeCode, ResponseTypeToken:
	default:
		return "", fmt.Errorf("unsupported response_type %q", responseType)
	}
	v := url.Values{}
	v.Set("client_id", cfg.ClientID)
	v.Set("redirect_uri", cfg.RedirectURI)
	v.Set("response_type", responseType)
	if s := cfg.scopes(); len(s) > 0 {
		v.Set("scope", strings.Join(s, " "))
	}
	v.Set("force_verify", "true")
	if state != "" {
		v.Set("state", state)
	}
	return cfg.baseURL() + "/authorize?" + v.Encode(), nil
}

// ExchangeAuthCode exchanges an authorization code for a token pair.
func ExchangeAuthCode(ctx context.Context, cfg OAuthConfig, code string) (*TokenResult, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" || cfg.RedirectURI == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	tok, err := cfg.OAuth2().Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError("twitch auth code exchange failed", err)
	}
	return toResult(tok), nil
}

// RefreshToken runs the refresh_token grant. The returned RefreshToken falls back to the one sent
// when the provider does not rotate it.
func RefreshToken(ctx context.Context, cfg OAuthConfig, refreshToken string) (*TokenResult, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || refreshToken == "" {
		return nil, errors.New("missing clientID/clientSecret/refreshToken")
	}
	tok, err := cfg.OAuth2().TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError("twitch refresh failed", err)
	}
	res := toResult(tok)
	if res.RefreshToken == "" {
		res.RefreshToken = refreshToken
	}
	return res, nil
}

// ParseRedirect extracts an implicit-grant token and its state from a redirect URL fragment, or
// the provider error from its query or fragment. A bare fragment ("access_token=...") is accepted too.
func ParseRedirect(raw string) (token, state string, err error) {
	var fragment, query string
	if u, err := url.Parse(raw); err == nil && (u.Scheme != "" || strings.Contains(raw, "#")) {
		fragment, query = u.EscapedFragment(), u.RawQuery
	} else {
		fragment = strings.TrimPrefix(raw, "#")
	}
	for _, part := range []string{fragment, query} {
		v, err := url.ParseQuery(part)
		if err != nil {
			continue
		}
		if code := v.Get("error"); code != "" {
			return "", v.Get("state"), &ProviderError{Code: code, Description: v.Get("error_description")}
		}
		if tok := v.Get("access_token"); tok != "" {
			return tok, v.Get("state"), nil
		}
	}
	return "", "", ErrNoAccessToken
}

func toResult(tok *oauth2.Token) *TokenResult {
	return &TokenResult{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
}

// classifyTokenError keeps transport failures as-is and wraps provider answers in ErrTokenRejected.
func classifyTokenError(msg string, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, ErrTokenRejected, err)
}

// TokenInfo is the identity behind an access token.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken asks the provider who owns accessToken. A 401 answer wraps ErrTokenRejected.
func ValidateToken(ctx context.Context, cfg OAuthConfig, accessToken string) (*TokenInfo, error) {
	if accessToken == "" {
		return nil, errors.New("access token empty")
	}
	var info TokenInfo
	resp, err := resty.New().
		SetTimeout(10*time.Second).
		R().
		SetContext(ctx).
		SetHeader("Authorization", "OAuth "+accessToken).
		SetResult(&info).
		Get(cfg.baseURL() + "/validate")
	if err != nil {
		return nil, fmt.Errorf("twitch token validation: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("twitch token validation: %w", ErrTokenRejected)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("twitch token validation: http %d", resp.StatusCode())
	}
	return &info, nil
}

package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/live-notifier/store"
	"github.com/onnwee/live-notifier/testutil"
	"github.com/onnwee/live-notifier/twitchapi"
)

func newTestManager(t *testing.T, secret string) (*Manager, *store.Store, *testutil.MockTwitchServer) {
	t.Helper()
	st := testutil.SetupTestStore(t)
	srv := testutil.NewMockTwitchServer(t)
	cfg := twitchapi.OAuthConfig{
		ClientID:     "cid",
		ClientSecret: secret,
		RedirectURI:  "http://localhost:8080/auth/twitch/callback",
		Scopes:       "chat:read chat:edit",
		AuthBaseURL:  srv.AuthBaseURL(),
	}
	return NewManager(st, cfg, "monodie"), st, srv
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Query().Get("state")
}

func TestAuthenticatePersistsReturnURL(t *testing.T) {
	m, st, _ := newTestManager(t, "secret")
	ctx := context.Background()

	authURL, err := m.Authenticate(ctx, "/settings?tab=chat")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	u, _ := url.Parse(authURL)
	q := u.Query()
	if q.Get("response_type") != "code" || q.Get("force_verify") != "true" || q.Get("state") == "" {
		t.Errorf("authorize URL = %s", authURL)
	}
	if !strings.Contains(q.Get("scope"), "chat:read") || !strings.Contains(q.Get("scope"), "chat:edit") {
		t.Errorf("scope = %q, want chat read and edit", q.Get("scope"))
	}
	var ret string
	if ok, _ := st.Get(ctx, store.KeyReturnURL, &ret); !ok || ret != "/settings?tab=chat" {
		t.Errorf("return url = %q (%v)", ret, ok)
	}
}

func TestAuthenticateRejectsForeignReturnURL(t *testing.T) {
	m, st, _ := newTestManager(t, "secret")
	ctx := context.Background()
	for _, ret := range []string{
		"https://evil.example/phish",
		"//evil.example/phish",
		"/\\evil.example",
		"javascript:alert(1)",
		"settings",
	} {
		if _, err := m.Authenticate(ctx, ret); !errors.Is(err, ErrBadReturnURL) {
			t.Errorf("Authenticate(%q) error = %v, want ErrBadReturnURL", ret, err)
		}
	}
	if raw, _ := st.GetRaw(ctx, store.KeyReturnURL); raw != nil {
		t.Errorf("rejected return url persisted: %s", raw)
	}
}

func TestAuthenticateImplicitWithoutSecret(t *testing.T) {
	m, _, _ := newTestManager(t, "")
	authURL, err := m.Authenticate(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(authURL, "response_type=token") {
		t.Errorf("authorize URL without secret should use implicit grant: %s", authURL)
	}
}

func TestAuthenticateNotConfigured(t *testing.T) {
	st := testutil.SetupTestStore(t)
	m := NewManager(st, twitchapi.OAuthConfig{}, "monodie")
	if _, err := m.Authenticate(context.Background(), ""); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Authenticate() error = %v, want ErrNotConfigured", err)
	}
}

func TestHandleCallback(t *testing.T) {
	m, st, srv := newTestManager(t, "secret")
	srv.MockOAuthTokenResponse("access-1", "refresh-1", 3600)
	srv.MockValidate("access-1", "botname")
	ctx := context.Background()

	authURL, err := m.Authenticate(ctx, "/back")
	if err != nil {
		t.Fatal(err)
	}
	state := stateOf(t, authURL)

	ret, err := m.HandleCallback(ctx, url.Values{"code": {"abc"}, "state": {state}})
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if ret != "/back" {
		t.Errorf("return url = %q", ret)
	}
	sess, _ := st.LoadSession(ctx)
	if sess.AccessToken != "access-1" || sess.RefreshToken != "refresh-1" || sess.Username != "botname" {
		t.Errorf("session = %+v", sess)
	}
	if raw, _ := st.GetRaw(ctx, store.KeyReturnURL); raw != nil {
		t.Error("return url not cleared")
	}

	// state is single use
	if _, err := m.HandleCallback(ctx, url.Values{"code": {"abc"}, "state": {state}}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("replayed state error = %v, want ErrInvalidState", err)
	}
}

func TestHandleCallbackErrors(t *testing.T) {
	tests := []struct {
		name  string
		query func(state string) url.Values
		want  error
	}{
		{"provider denied", func(s string) url.Values {
			return url.Values{"error": {"access_denied"}, "error_description": {"user said no"}, "state": {s}}
		}, ErrProviderDenied},
		{"unknown state", func(string) url.Values { return url.Values{"code": {"abc"}, "state": {"nope"}} }, ErrInvalidState},
		{"missing state", func(string) url.Values { return url.Values{"code": {"abc"}} }, ErrInvalidState},
		{"missing code", func(s string) url.Values { return url.Values{"state": {s}} }, ErrMissingCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := newTestManager(t, "secret")
			authURL, err := m.Authenticate(context.Background(), "")
			if err != nil {
				t.Fatal(err)
			}
			_, err = m.HandleCallback(context.Background(), tt.query(stateOf(t, authURL)))
			if !errors.Is(err, tt.want) {
				t.Errorf("HandleCallback() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStateExpiry(t *testing.T) {
	s := newStateStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	st, err := s.issue()
	if err != nil || st == "" {
		t.Fatalf("issue() = %q, %v", st, err)
	}
	now = now.Add(stateTTL + time.Second)
	if s.consume(st) {
		t.Error("expired state accepted")
	}
	if s.consume("") {
		t.Error("empty state accepted")
	}
}

func TestCompleteImplicit(t *testing.T) {
	m, st, _ := newTestManager(t, "")
	ctx := context.Background()
	if err := st.SaveTokens(ctx, "old", "refresh-old"); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveTokenExpiry(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	authURL, err := m.Authenticate(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	state := stateOf(t, authURL)
	redirect := "https://example.com/oauth-callback#access_token=implicit-tok&state=" + state + "&token_type=bearer"

	if err := m.CompleteImplicit(ctx, redirect); err != nil {
		t.Fatalf("CompleteImplicit() error = %v", err)
	}
	sess, _ := st.LoadSession(ctx)
	if sess.AccessToken != "implicit-tok" || sess.RefreshToken != "" {
		t.Errorf("session = %+v, want implicit-tok without a refresh token", sess)
	}
	if _, ok, _ := st.TokenExpiry(ctx); ok {
		t.Error("expiry of the previous grant kept")
	}
	var ts int64
	if ok, _ := st.Get(ctx, store.KeyTokenTimestamp, &ts); !ok || ts == 0 {
		t.Error("token timestamp not recorded")
	}

	// state is single use
	if err := m.CompleteImplicit(ctx, redirect); !errors.Is(err, ErrInvalidState) {
		t.Errorf("replayed redirect error = %v, want ErrInvalidState", err)
	}
	if err := m.CompleteImplicit(ctx, "#access_token=forged"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("redirect without state error = %v, want ErrInvalidState", err)
	}
	if err := m.CompleteImplicit(ctx, "https://example.com/cb?error=access_denied"); !errors.Is(err, ErrProviderDenied) {
		t.Errorf("denied redirect error = %v", err)
	}
	if err := m.CompleteImplicit(ctx, "https://example.com/cb"); !errors.Is(err, ErrNoToken) {
		t.Errorf("empty redirect error = %v", err)
	}
	if sess, _ := st.LoadSession(ctx); sess.AccessToken != "implicit-tok" {
		t.Errorf("rejected redirects changed the token: %+v", sess)
	}
}

func TestStoreTokenEmpty(t *testing.T) {
	m, _, _ := newTestManager(t, "")
	if err := m.StoreToken(context.Background(), ""); !errors.Is(err, ErrNoToken) {
		t.Errorf("StoreToken(\"\") error = %v", err)
	}
}

func TestRefreshAccessToken(t *testing.T) {
	m, st, srv := newTestManager(t, "secret")
	ctx := context.Background()

	if _, err := m.RefreshAccessToken(ctx); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("RefreshAccessToken() without refresh token error = %v", err)
	}

	if err := st.SaveTokens(ctx, "a1", "r1"); err != nil {
		t.Fatal(err)
	}
	srv.MockOAuthTokenResponse("a2", "r2", 3600)
	tok, err := m.RefreshAccessToken(ctx)
	if err != nil || tok != "a2" {
		t.Fatalf("RefreshAccessToken() = %q, %v", tok, err)
	}
	sess, _ := st.LoadSession(ctx)
	if sess.AccessToken != "a2" || sess.RefreshToken != "r2" {
		t.Errorf("session = %+v", sess)
	}

	srv.MockOAuthTokenResponse("", "", 0)
	if _, err := m.RefreshAccessToken(ctx); !errors.Is(err, ErrRefreshRejected) {
		t.Errorf("RefreshAccessToken() with empty grant error = %v, want ErrRefreshRejected", err)
	}
	srv.MockOAuthError(http.StatusBadRequest, "Invalid refresh token")
	if _, err := m.RefreshAccessToken(ctx); !errors.Is(err, ErrRefreshRejected) {
		t.Errorf("RefreshAccessToken() with 400 error = %v, want ErrRefreshRejected", err)
	}
	sess, _ = st.LoadSession(ctx)
	if sess.AccessToken != "a2" {
		t.Errorf("failed refresh modified session: %+v", sess)
	}
}

func TestLogoutClearsTokens(t *testing.T) {
	m, st, _ := newTestManager(t, "secret")
	ctx := context.Background()
	if err := st.SaveTokens(ctx, "a", "r"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := m.IsAuthenticated(ctx); !ok {
		t.Fatal("IsAuthenticated() = false with token stored")
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	sess, _ := st.LoadSession(ctx)
	if sess.AccessToken != "" || sess.RefreshToken != "" {
		t.Errorf("Logout() left tokens: %+v", sess)
	}
	if ok, _ := m.IsAuthenticated(ctx); ok {
		t.Error("IsAuthenticated() = true after logout")
	}
}

func TestCredentials(t *testing.T) {
	m, st, _ := newTestManager(t, "secret")
	ctx := context.Background()

	if _, _, err := m.Credentials(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Credentials() logged out error = %v", err)
	}
	if err := st.SaveTokens(ctx, "tok", ""); err != nil {
		t.Fatal(err)
	}
	tok, user, err := m.Credentials(ctx)
	if err != nil || tok != "tok" || user != "monodie" {
		t.Errorf("Credentials() = %q, %q, %v; want channel fallback", tok, user, err)
	}
	if err := st.Set(ctx, store.KeyUsername, "botname"); err != nil {
		t.Fatal(err)
	}
	if _, user, _ = m.Credentials(ctx); user != "botname" {
		t.Errorf("Credentials() username = %q, want botname", user)
	}
}

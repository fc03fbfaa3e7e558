// Package testutil holds fakes for the external services the notifier talks to:
// the status endpoint, the Twitch token endpoint and the chat WebSocket.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// MockTwitchServer serves handlers keyed by request path and counts hits per path.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	lastForm url.Values
}

// NewMockTwitchServer creates a new mock server closed on test cleanup.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		m.mu.Lock()
		m.hits[key]++
		handler, ok := m.handlers[key]
		if r.Method == http.MethodPost {
			if err := r.ParseForm(); err == nil {
				m.lastForm = r.PostForm
			}
		}
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle installs a handler for path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// Hits returns how many requests path received.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// LastForm returns the form of the most recent POST.
func (m *MockTwitchServer) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// StatusBaseURL is the value to use as status base URL for this server.
func (m *MockTwitchServer) StatusBaseURL() string { return m.URL + "/uptime" }

// AuthBaseURL is the value to use as identity provider base URL for this server.
func (m *MockTwitchServer) AuthBaseURL() string { return m.URL + "/oauth2" }

// MockStatus answers /uptime/<channel> with body.
func (m *MockTwitchServer) MockStatus(channel, body string) {
	m.MockStatusSequence(channel, body)
}

// MockStatusSequence answers successive /uptime/<channel> requests with bodies in order,
// repeating the last one once exhausted.
func (m *MockTwitchServer) MockStatusSequence(channel string, bodies ...string) {
	var mu sync.Mutex
	i := 0
	m.Handle("/uptime/"+channel, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body := ""
		if len(bodies) > 0 {
			body = bodies[min(i, len(bodies)-1)]
		}
		i++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	})
}

// MockStatusCode answers /uptime/<channel> with an empty response of the given status.
func (m *MockTwitchServer) MockStatusCode(channel string, code int) {
	m.Handle("/uptime/"+channel, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

// MockOAuthTokenResponse answers the token endpoint with a token pair.
// An empty refreshToken is omitted from the response.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
			"scope":        []string{"chat:read", "chat:edit"},
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	})
}

// MockOAuthError answers the token endpoint with a Twitch style error document.
func (m *MockTwitchServer) MockOAuthError(status int, message string) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"status":  status,
			"message": message,
		})
	})
}

// MockValidate answers /oauth2/validate: 200 with login for the given token, 401 otherwise.
func (m *MockTwitchServer) MockValidate(token, login string) {
	m.Handle("/oauth2/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth "+token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 401, "message": "invalid access token"}) //nolint:errcheck // test mock response
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{ //nolint:errcheck // test mock response
			"client_id":  "cid",
			"login":      login,
			"user_id":    "42",
			"scopes":     []string{"chat:read", "chat:edit"},
			"expires_in": 3600,
		})
	})
}

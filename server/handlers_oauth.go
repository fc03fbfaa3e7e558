package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/telemetry"
)

// implicitRelayPage forwards a fragment token (never sent to servers) back to the daemon.
const implicitRelayPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Twitch login</title></head>
<body><p id="msg">Completing login…</p>
<script>
fetch("/auth/twitch/implicit", {method: "POST", headers: {"Content-Type": "application/json"},
  body: JSON.stringify({redirect: window.location.href})})
  .then(function (r) { return r.json(); })
  .then(function (b) { document.getElementById("msg").textContent = b.success ? "Logged in, you can close this tab." : "Login failed: " + b.error; });
</script></body></html>`

// HandleTwitchOAuthStart redirects to the Twitch authorize page. The optional return_to
// query parameter is the local path the callback sends the user to afterwards.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.deps.OAuth.Authenticate(r.Context(), r.URL.Query().Get("return_to"))
	if err != nil {
		if errors.Is(err, oauth.ErrNotConfigured) {
			http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
			return
		}
		if errors.Is(err, oauth.ErrBadReturnURL) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback completes a code grant. Without code or error parameters the
// redirect came from the implicit grant, so the relay page is served instead.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code") == "" && q.Get("error") == "" && q.Get("state") == "" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(implicitRelayPage))
		return
	}
	ret, err := h.deps.OAuth.HandleCallback(r.Context(), q)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("oauth callback failed", slog.Any("err", err), slog.String("component", "http"))
		writeFailure(w, callbackStatus(err), err)
		return
	}
	if ret != "" {
		http.Redirect(w, r, ret, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func callbackStatus(err error) int {
	switch {
	case errors.Is(err, oauth.ErrProviderDenied):
		return http.StatusForbidden
	case errors.Is(err, oauth.ErrInvalidState), errors.Is(err, oauth.ErrMissingCode):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// HandleTwitchImplicit stores the token carried by an implicit-grant redirect URL. The redirect
// must echo the state issued by HandleTwitchOAuthStart.
func (h *Handlers) HandleTwitchImplicit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Redirect string `json:"redirect"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := h.deps.OAuth.CompleteImplicit(r.Context(), body.Redirect); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, oauth.ErrProviderDenied):
			status = http.StatusForbidden
		case errors.Is(err, oauth.ErrNoToken), errors.Is(err, oauth.ErrInvalidState):
			status = http.StatusBadRequest
		}
		writeFailure(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleLogout clears the stored tokens.
func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.deps.OAuth.Logout(r.Context()); err != nil {
		writeFailure(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleAuthStatus reports whether an access token is stored and who it belongs to.
func (h *Handlers) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Store.LoadSession(r.Context())
	if err != nil {
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": sess.LoggedIn(),
		"username":      sess.Username,
		"refreshable":   sess.RefreshToken != "" && h.deps.OAuth.CodeGrant(),
	})
}

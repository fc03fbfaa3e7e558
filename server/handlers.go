package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/store"
)

// Monitor is the live poller as seen by the action API.
type Monitor interface {
	IsLive() bool
	Monitoring() bool
	CheckStatus(ctx context.Context) (bool, error)
	StartMonitoring(ctx context.Context) (bool, error)
	StopMonitoring()
	ToggleMute(ctx context.Context) (bool, error)
}

// MessageSender posts one random configured message now.
type MessageSender interface {
	SendRandom(ctx context.Context) error
}

// Deps are the components the API drives. BreakerState may be nil.
type Deps struct {
	Store        *store.Store
	OAuth        *oauth.Manager
	Monitor      Monitor
	Sender       MessageSender
	BreakerState func() string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{ctx: ctx, deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

// writeFailure is the action error shape: {"success": false, "error": "..."}.
func writeFailure(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

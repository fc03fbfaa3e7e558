package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-notifier/chat"
	"github.com/onnwee/live-notifier/notify"
	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/telemetry"
)

// Action names accepted by POST /messages.
const (
	ActionCheckStatus     = "checkStatus"
	ActionStartMonitoring = "startMonitoring"
	ActionStopMonitoring  = "stopMonitoring"
	ActionToggleMute      = "toggleMute"
	ActionTestSend        = "testSendMessage"

	TypeTokenReceived = "OAUTH_TOKEN_RECEIVED"
)

// ActionRequest is one command message. Either Action or Type is set.
type ActionRequest struct {
	Action string `json:"action,omitempty"`
	Type   string `json:"type,omitempty"`
	Token  string `json:"token,omitempty"`
}

var errUnknownAction = errors.New("unknown action")

// HandleMessages dispatches command messages from the UI and CLI.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeFailure(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "http"))

	if req.Type == TypeTokenReceived {
		if err := h.deps.OAuth.StoreToken(ctx, req.Token); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, oauth.ErrNoToken) {
				status = http.StatusBadRequest
			}
			writeFailure(w, status, err)
			return
		}
		logger.Info("access token received")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	switch req.Action {
	case ActionCheckStatus:
		live, err := h.deps.Monitor.CheckStatus(ctx)
		if err != nil {
			// last known state is still the answer
			logger.Warn("status check failed", slog.Any("err", err))
		}
		writeJSON(w, http.StatusOK, map[string]any{"isLive": live})
	case ActionStartMonitoring:
		if _, err := h.deps.Monitor.StartMonitoring(ctx); err != nil {
			logger.Warn("initial status check failed", slog.Any("err", err))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case ActionStopMonitoring:
		h.deps.Monitor.StopMonitoring()
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	case ActionToggleMute:
		muted, err := h.deps.Monitor.ToggleMute(ctx)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, notify.ErrMuteUnsupported) {
				status = http.StatusNotImplemented
			}
			writeJSON(w, status, map[string]any{"success": false, "muted": muted, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "muted": muted})
	case ActionTestSend:
		if err := h.deps.Sender.SendRandom(ctx); err != nil {
			writeFailure(w, sendStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeFailure(w, http.StatusBadRequest, fmt.Errorf("%w: %q", errUnknownAction, req.Action+req.Type))
	}
}

func sendStatus(err error) int {
	switch {
	case errors.Is(err, oauth.ErrNoToken):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrMessagesDisabled), errors.Is(err, chat.ErrNoMessages):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrConnectTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

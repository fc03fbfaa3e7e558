package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/live-notifier/store"
)

// HandleSettings reads (GET) or updates (PUT) the user settings. PUT accepts a partial
// document; absent fields keep their stored value. Tokens are never exposed here.
func (h *Handlers) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := h.deps.Store.LoadSettings(r.Context())
		if err != nil {
			slog.Error("failed to load settings", slog.Any("err", err))
			http.Error(w, "failed to load settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	case http.MethodPut:
		st, err := h.deps.Store.LoadSettings(r.Context())
		if err != nil {
			http.Error(w, "failed to load settings", http.StatusInternalServerError)
			return
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 256<<10)).Decode(&st); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err := h.deps.Store.SaveSettings(r.Context(), st); err != nil {
			if errors.Is(err, store.ErrInvalidSettings) {
				writeFailure(w, http.StatusBadRequest, err)
				return
			}
			slog.Error("failed to save settings", slog.Any("err", err))
			http.Error(w, "failed to save settings", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

package server

import (
	"errors"
	"net/http"
)

// HandleHealthz responds to liveness probe requests by checking store connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports not ready while the store is unreachable or the status API breaker is open.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"store", func() error { return h.deps.Store.Ping(r.Context()) }},
		{"circuit_breaker", func() error {
			if h.deps.BreakerState != nil && h.deps.BreakerState() == "open" {
				return errors.New("status api circuit breaker open")
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"monitoring": h.deps.Monitor != nil && h.deps.Monitor.Monitoring(),
		"live":       h.deps.Monitor != nil && h.deps.Monitor.IsLive(),
	})
}

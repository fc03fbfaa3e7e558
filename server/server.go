// Package server exposes the HTTP action API used by the options UI and livectl: command
// messages, settings, the Twitch login flow, health and metrics. Every request gets a
// correlation id and a span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(ctx, deps)
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)

	// control surface
	mux.HandleFunc("/messages", h.HandleMessages)
	mux.HandleFunc("/settings", h.HandleSettings)
	mux.HandleFunc("/auth/logout", h.HandleLogout)
	mux.HandleFunc("/auth/status", h.HandleAuthStatus)

	// browser-facing login flow
	mux.HandleFunc("/auth/twitch/start", h.HandleTwitchOAuthStart)
	mux.HandleFunc("/auth/twitch/callback", h.HandleTwitchOAuthCallback)
	mux.HandleFunc("/auth/twitch/implicit", h.HandleTwitchImplicit)

	guarded := adminAuth(mux, authCfg)
	limited := rateLimitMiddleware(guarded, limiter)

	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		switch {
		case strings.HasPrefix(p, "/auth/twitch/"):
			rateLimitMiddleware(mux, limiter).ServeHTTP(w, r)
		case p == "/messages" || strings.HasPrefix(p, "/auth/"):
			limited.ServeHTTP(w, r)
		case p == "/settings":
			guarded.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})
	return withCORSConfig(withObservability(selective), corsCfg)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("http listen error", slog.Any("err", err))
		return err
	}
	return Serve(ctx, deps, ln)
}

// Serve is Start on an existing listener.
func Serve(ctx context.Context, deps Deps, ln net.Listener) error {
	srv := &http.Server{
		Handler: NewMux(ctx, deps),
		// checkStatus and testSendMessage may wait on the network
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// StartRefresher launches a goroutine that periodically checks the stored session and refreshes
// the access token when its expiry is unknown or falls within window.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// Failures are logged and never stop the loop.
func (m *Manager) StartRefresher(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	go func() {
		// Randomize initial delay so restarts do not hit the token endpoint in lockstep.
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(interval / 2)):
		}
		for {
			m.refreshIfDue(ctx, window)

			// per-iteration jitter (±20% of interval)
			next := interval + jitter(interval/5*2) - interval/5
			if next < interval/2 {
				next = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
}

func (m *Manager) refreshIfDue(ctx context.Context, window time.Duration) {
	sess, err := m.store.LoadSession(ctx)
	if err != nil || sess.RefreshToken == "" || !m.CodeGrant() {
		return
	}
	exp, known, err := m.store.TokenExpiry(ctx)
	if err != nil {
		return
	}
	// If still outside window skip quickly
	if known && time.Until(exp) > window {
		return
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := m.RefreshAccessToken(ctx2); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Warn("token refresh failed", slog.Any("err", err))
	}
}

// jitter returns a random duration in [0, d). It is 0 for d <= 0.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	return time.Duration(rand.Int63n(int64(d)))
}

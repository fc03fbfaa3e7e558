// Package twitchapi contains the small HTTP clients the notifier needs: the plain-text
// live status endpoint and the Twitch identity provider (authorize URL, code exchange, refresh).
package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"github.com/onnwee/live-notifier/telemetry"
)

// DefaultStatusBaseURL answers GET /<channel> with the stream uptime or a sentinel.
const DefaultStatusBaseURL = "https://decapi.me/twitch/uptime"

// Sentinel bodies returned by the status endpoint when the channel is not live.
const (
	StatusOffline  = "offline"
	StatusNotFound = "not found"
)

// HTTPError is returned for non-2xx status responses.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("status endpoint returned http %d", e.StatusCode)
}

// ParseLiveStatus reports whether a status body means live: any non-empty body other than the sentinels.
func ParseLiveStatus(body string) bool {
	b := strings.TrimSpace(body)
	return b != "" && b != StatusOffline && b != StatusNotFound
}

// StatusOptions tunes the resilient status client. Zero values take defaults.
type StatusOptions struct {
	Timeout          time.Duration
	RetryCount       int
	RetryWait        time.Duration
	FailureThreshold uint32        // consecutive failures before the breaker opens
	OpenTimeout      time.Duration // how long the breaker stays open
	Transport        http.RoundTripper
	Logger           *slog.Logger
}

// StatusClient queries the status endpoint through resty with retries and a circuit breaker.
type StatusClient struct {
	baseURL string
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewStatusClient builds a client for baseURL (DefaultStatusBaseURL when empty).
func NewStatusClient(baseURL string, opts StatusOptions) *StatusClient {
	if baseURL == "" {
		baseURL = DefaultStatusBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 2 * time.Minute
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "status_client"))

	threshold := opts.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "status_api",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
			telemetry.RecordCircuitStateChange(from.String(), to.String())
		},
	})

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetRetryCount(opts.RetryCount)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(opts.RetryWait * 5)
	client.SetHeader("Accept", "text/plain")
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
		}
		return r.StatusCode() == http.StatusTooManyRequests
	})
	client.SetTransport(&breakerTransport{breaker: breaker, next: opts.Transport})
	client.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		if resp.Request.Attempt > 1 {
			logger.Info("status request retried", slog.String("url", resp.Request.URL), slog.Int("attempt", resp.Request.Attempt), slog.Int("status", resp.StatusCode()))
		}
		return nil
	})

	return &StatusClient{baseURL: strings.TrimRight(baseURL, "/"), client: client, breaker: breaker, logger: logger}
}

// IsLive fetches the status body for channel. Any transport error or non-2xx response is returned
// as an error so callers can keep their previous state.
func (c *StatusClient) IsLive(ctx context.Context, channel string) (bool, error) {
	body, err := c.Fetch(ctx, channel)
	if err != nil {
		return false, err
	}
	return ParseLiveStatus(body), nil
}

// Fetch returns the raw status body.
func (c *StatusClient) Fetch(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", errors.New("channel empty")
	}
	resp, err := c.client.R().SetContext(ctx).Get(c.baseURL + "/" + url.PathEscape(channel))
	if err != nil {
		return "", fmt.Errorf("status request: %w", err)
	}
	if !resp.IsSuccess() {
		return "", &HTTPError{StatusCode: resp.StatusCode()}
	}
	return resp.String(), nil
}

// BreakerState exposes the circuit breaker state name (closed, half-open, open).
func (c *StatusClient) BreakerState() string {
	return c.breaker.State().String()
}

type breakerTransport struct {
	breaker *gobreaker.CircuitBreaker
	next    http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			return nil, &HTTPError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

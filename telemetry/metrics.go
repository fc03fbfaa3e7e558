// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollsTotal          prometheus.Counter
	PollsFailed         prometheus.Counter
	LiveEdges           *prometheus.CounterVec // edge=started|ended
	ChatMessagesSent    prometheus.Counter
	ChatMessagesFailed  prometheus.Counter
	ChatMessagesSkipped *prometheus.CounterVec // reason=disabled|no_messages|no_token
	ChatReconnects      prometheus.Counter
	TokenRefreshes      *prometheus.CounterVec // result=ok|error

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	LiveGauge          prometheus.Gauge // 1=live,0=offline
	ChatConnectedGauge prometheus.Gauge
	MonitoringGauge    prometheus.Gauge
	CircuitStateGauge  prometheus.Gauge // 0=closed,1=half-open,2=open
	CircuitChanges     *prometheus.CounterVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "live_polls_total", Help: "Number of live status checks"})
		PollsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "live_polls_failed_total", Help: "Number of live status checks that failed (state kept)"})
		LiveEdges = promauto.NewCounterVec(prometheus.CounterOpts{Name: "live_edges_total", Help: "Live state transitions"}, []string{"edge"})
		ChatMessagesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_sent_total", Help: "Scheduled chat messages written to the socket"})
		ChatMessagesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_failed_total", Help: "Scheduled chat messages that could not be sent"})
		ChatMessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_skipped_total", Help: "Scheduler cycles skipped"}, []string{"reason"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Reconnect attempts scheduled after a socket close"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "Access token refresh attempts"}, []string{"result"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "live_poll_duration_seconds", Help: "Live status check duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}})
		LiveGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_is_live", Help: "Channel live=1 offline=0"})
		ChatConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connected", Help: "Chat authenticated=1 otherwise 0"})
		MonitoringGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "live_monitoring_active", Help: "Poll schedule installed=1 otherwise 0"})
		CircuitStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "status_circuit_state", Help: "Status API circuit breaker state: 0=closed, 1=half-open, 2=open"})
		CircuitChanges = promauto.NewCounterVec(prometheus.CounterOpts{Name: "status_circuit_state_changes_total", Help: "Status API circuit breaker transitions"}, []string{"from", "to"})
	})
}

func setBool(g prometheus.Gauge, v bool) {
	if g == nil {
		return
	}
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// SetLive records the current live state.
func SetLive(live bool) { setBool(LiveGauge, live) }

// SetChatConnected records whether the chat connection is authenticated.
func SetChatConnected(ok bool) { setBool(ChatConnectedGauge, ok) }

// SetMonitoring records whether the poll schedule is installed.
func SetMonitoring(on bool) { setBool(MonitoringGauge, on) }

// SetCircuitState maps a breaker state name to the gauge value. Unknown names are ignored.
func SetCircuitState(state string) {
	if CircuitStateGauge == nil {
		return
	}
	switch state {
	case "closed":
		CircuitStateGauge.Set(0)
	case "half-open":
		CircuitStateGauge.Set(1)
	case "open":
		CircuitStateGauge.Set(2)
	}
}

// RecordCircuitStateChange counts a transition and updates the state gauge.
func RecordCircuitStateChange(from, to string) {
	if CircuitChanges != nil {
		CircuitChanges.WithLabelValues(from, to).Inc()
	}
	SetCircuitState(to)
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncVec increments the labelled counter if metrics are initialized.
func IncVec(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

// Command live-notifier is the daemon entrypoint.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the settings store (SQLite or Postgres) and writes first-run defaults.
//   - Starts the OAuth token refresher, the live poller and the chat message scheduler.
//   - Exposes the HTTP action API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-notifier/chat"
	"github.com/onnwee/live-notifier/config"
	"github.com/onnwee/live-notifier/crypto"
	"github.com/onnwee/live-notifier/live"
	"github.com/onnwee/live-notifier/notify"
	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/server"
	"github.com/onnwee/live-notifier/store"
	"github.com/onnwee/live-notifier/telemetry"
	"github.com/onnwee/live-notifier/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("live-notifier", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set, tokens are stored in plaintext")
	}

	st, err := store.Open(ctx, cfg.DBDsn, enc)
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()
	if err := st.EnsureDefaults(ctx); err != nil {
		slog.Error("failed to write default settings", slog.Any("err", err))
		os.Exit(1)
	}

	// OAuth session
	mgr := oauth.NewManager(st, twitchapi.OAuthConfig{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURI:  cfg.TwitchRedirectURI,
		Scopes:       cfg.TwitchScopes,
		AuthBaseURL:  cfg.TwitchAuthBaseURL,
	}, cfg.TwitchChannel)
	if err := cfg.ValidateOAuth(); err != nil {
		slog.Info("code grant disabled, tokens will not be refreshed", slog.Any("reason", err))
	}
	mgr.StartRefresher(ctx, cfg.TokenRefreshInterval, 15*time.Minute)

	// Chat
	chatClient := chat.NewClient(chat.Options{
		URL:         cfg.TwitchChatURL,
		Channel:     cfg.TwitchChannel,
		Credentials: mgr.Credentials,
	})
	scheduler := chat.NewScheduler(st, chatClient, cfg.TwitchChannel)
	unwatch := scheduler.Watch()
	defer unwatch()

	// Side effects of the live edge
	notifiers := notify.MultiNotifier{notify.LogNotifier{}}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, "")
		if err != nil {
			slog.Warn("telegram notifier disabled", slog.Any("err", err))
		} else {
			notifiers = append(notifiers, tg)
		}
	}
	var tabs notify.TabOpener = &notify.BrowserTabOpener{Command: cfg.BrowserCommand}
	if cfg.TabsDisabled {
		tabs = notify.NoopTabOpener{}
	}

	statusClient := twitchapi.NewStatusClient(cfg.StatusBaseURL, twitchapi.StatusOptions{RetryCount: 2})
	poller := live.New(live.Options{
		Channel:    cfg.TwitchChannel,
		ChannelURL: cfg.ChannelURL(),
		Interval:   cfg.PollInterval,
		Status:     statusClient,
		Store:      st,
		Notifier:   notifiers,
		Tabs:       tabs,
		Chat:       chatClient,
		Scheduler:  scheduler,
	})
	chatClient.SetLiveProbe(poller.IsLive)
	scheduler.SetLiveProbe(poller.IsLive)

	if _, err := poller.StartMonitoring(ctx); err != nil {
		slog.Warn("initial status check failed", slog.Any("err", err))
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	go func() {
		deps := server.Deps{
			Store:        st,
			OAuth:        mgr,
			Monitor:      poller,
			Sender:       scheduler,
			BreakerState: statusClient.BreakerState,
		}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	poller.Shutdown()
	scheduler.Stop()
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

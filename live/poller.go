// Package live polls the channel status and drives the live edge side effects.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/onnwee/live-notifier/notify"
	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/store"
	"github.com/onnwee/live-notifier/telemetry"
)

// StatusChecker reports whether a channel is live.
type StatusChecker interface {
	IsLive(ctx context.Context, channel string) (bool, error)
}

// ChatConnector opens and closes the chat connection.
type ChatConnector interface {
	Connect(ctx context.Context) error
	Disconnect()
}

// MessageScheduler is started on the live edge and stopped on the offline edge.
type MessageScheduler interface {
	Start(ctx context.Context) error
	Stop()
}

// Options wires a Poller. Notifier, Tabs, Chat and Scheduler may be nil.
type Options struct {
	Channel    string
	ChannelURL string
	Interval   time.Duration
	Status     StatusChecker
	Store      *store.Store
	Notifier   notify.Notifier
	Tabs       notify.TabOpener
	Chat       ChatConnector
	Scheduler  MessageScheduler
	Logger     *slog.Logger
}

// Poller keeps the last known live state and fires the edge handlers.
type Poller struct {
	opts   Options
	logger *slog.Logger
	cron   *gocron.Scheduler

	pollMu sync.Mutex // one check at a time, edge handling included

	mu   sync.Mutex
	job  *gocron.Job
	live bool
	tab  *notify.Tab
}

// New returns a poller that is not monitoring yet.
func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.ChannelURL == "" {
		opts.ChannelURL = "https://www.twitch.tv/" + opts.Channel
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{}
	}
	if opts.Tabs == nil {
		opts.Tabs = notify.NoopTabOpener{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	return &Poller{
		opts:   opts,
		logger: logger.With(slog.String("component", "poller"), slog.String("channel", opts.Channel)),
		cron:   cron,
	}
}

// IsLive returns the state observed by the last successful check.
func (p *Poller) IsLive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Monitoring reports whether a periodic schedule is installed.
func (p *Poller) Monitoring() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job != nil
}

// ScheduledJobs is the number of periodic schedules installed. It is at most one.
func (p *Poller) ScheduledJobs() int { return p.cron.Len() }

// StartMonitoring replaces any existing schedule with a new periodic one, then checks once
// immediately. The immediate check's error is logged and returned; the schedule stays installed.
func (p *Poller) StartMonitoring(ctx context.Context) (bool, error) {
	p.mu.Lock()
	p.cron.Clear()
	job, err := p.cron.Every(p.opts.Interval).WaitForSchedule().Do(p.tick)
	if err != nil {
		p.job = nil
		p.mu.Unlock()
		return p.IsLive(), fmt.Errorf("schedule status poll: %w", err)
	}
	p.job = job
	if !p.cron.IsRunning() {
		p.cron.StartAsync()
	}
	p.mu.Unlock()
	telemetry.SetMonitoring(true)
	p.logger.Info("monitoring started", slog.Duration("interval", p.opts.Interval))
	return p.CheckStatus(ctx)
}

// StopMonitoring removes the schedule. It is a no-op when not monitoring.
func (p *Poller) StopMonitoring() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return
	}
	p.cron.Clear()
	p.job = nil
	telemetry.SetMonitoring(false)
	p.logger.Info("monitoring stopped")
}

// Shutdown stops the scheduler goroutine. The poller cannot be restarted afterwards.
func (p *Poller) Shutdown() {
	p.StopMonitoring()
	p.cron.Stop()
}

func (p *Poller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.Interval)
	defer cancel()
	_, _ = p.CheckStatus(ctx)
}

// CheckStatus fetches the status once and runs the edge handler on a transition. A failed
// fetch keeps the previous state; the error is returned alongside it.
func (p *Poller) CheckStatus(ctx context.Context) (bool, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "live-notifier/live", "poll", telemetry.ChannelAttr(p.opts.Channel))
	defer span.End()
	telemetry.Inc(telemetry.PollsTotal)

	start := time.Now()
	live, err := p.opts.Status.IsLive(ctx, p.opts.Channel)
	if telemetry.PollDuration != nil {
		telemetry.PollDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		telemetry.Inc(telemetry.PollsFailed)
		telemetry.RecordError(span, err)
		p.logger.Warn("status check failed", slog.Any("err", err))
		return p.IsLive(), err
	}
	telemetry.SetSpanSuccess(span)

	p.mu.Lock()
	was := p.live
	p.live = live
	p.mu.Unlock()
	telemetry.SetLive(live)

	edge := "none"
	switch {
	case live && !was:
		edge = "started"
		telemetry.IncVec(telemetry.LiveEdges, edge)
		p.onLiveStarted(ctx)
	case !live && was:
		edge = "ended"
		telemetry.IncVec(telemetry.LiveEdges, edge)
		p.onLiveEnded()
	}
	span.SetAttributes(telemetry.LiveAttrs(live, edge)...)
	return live, nil
}

func (p *Poller) onLiveStarted(ctx context.Context) {
	p.logger.Info("channel went live")
	settings := store.DefaultSettings()
	if p.opts.Store != nil {
		if s, err := p.opts.Store.LoadSettings(ctx); err == nil {
			settings = s
		} else {
			p.logger.Warn("load settings, using defaults", slog.Any("err", err))
		}
	}

	n := notify.Notification{
		Title:   fmt.Sprintf("🔴 %s est en live !", p.opts.Channel),
		Message: "Clique pour regarder le stream",
		URL:     p.opts.ChannelURL,
	}
	if err := p.opts.Notifier.Notify(ctx, n); err != nil {
		p.logger.Warn("notification failed", slog.Any("err", err))
	}

	if settings.AutoOpen {
		p.openTab(ctx, settings.Muted)
	}

	if p.opts.Chat != nil {
		if err := p.opts.Chat.Connect(ctx); err != nil {
			if errors.Is(err, oauth.ErrNoToken) {
				p.logger.Info("not logged in, chat messages disabled")
			} else {
				p.logger.Warn("chat connect failed", slog.Any("err", err))
			}
		}
	}
	if p.opts.Scheduler != nil {
		if err := p.opts.Scheduler.Start(ctx); err != nil {
			p.logger.Error("start message scheduler", slog.Any("err", err))
		}
	}
}

func (p *Poller) openTab(ctx context.Context, muted bool) {
	tab, err := p.opts.Tabs.Open(ctx, p.opts.ChannelURL, false)
	if err != nil {
		p.logger.Warn("open tab failed", slog.Any("err", err))
		return
	}
	p.mu.Lock()
	p.tab = &tab
	p.mu.Unlock()
	if muted {
		if err := p.opts.Tabs.SetMuted(ctx, tab, true); err != nil {
			p.logger.Warn("mute tab failed", slog.Any("err", err))
		}
	}
}

func (p *Poller) onLiveEnded() {
	p.logger.Info("channel went offline")
	if p.opts.Scheduler != nil {
		p.opts.Scheduler.Stop()
	}
	if p.opts.Chat != nil {
		p.opts.Chat.Disconnect()
	}
}

// ToggleMute flips the mute state of the tab opened for the live stream and returns the new
// state. It does nothing when no tab was opened.
func (p *Poller) ToggleMute(ctx context.Context) (bool, error) {
	p.mu.Lock()
	tab := p.tab
	p.mu.Unlock()
	if tab == nil {
		return false, nil
	}
	muted, err := p.opts.Tabs.Muted(ctx, *tab)
	if err != nil {
		return false, err
	}
	if err := p.opts.Tabs.SetMuted(ctx, *tab, !muted); err != nil {
		return !muted, err
	}
	return !muted, nil
}

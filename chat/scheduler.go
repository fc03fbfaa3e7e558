package chat

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/store"
	"github.com/onnwee/live-notifier/telemetry"
)

var (
	ErrMessagesDisabled = errors.New("automatic messages disabled")
	ErrNoMessages       = errors.New("no messages configured")
)

// Sender is the part of Client the scheduler drives.
type Sender interface {
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, channel, text string) error
	Disconnect()
	HasConnection() bool
}

// Scheduler posts a random configured message after a random delay, then re-arms itself.
// At most one timer is pending at any time.
type Scheduler struct {
	store   *store.Store
	sender  Sender
	channel string
	logger  *slog.Logger

	// Unit is the length of one interval step. It is a minute outside tests.
	Unit time.Duration
	// SendTimeout bounds one fire, including the connect-and-wait path.
	SendTimeout time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu     sync.Mutex
	live   func() bool
	timer  *time.Timer
	gen    uint64
	next   time.Time
	active bool

	// cancels the send of the fire in progress
	sendCancel context.CancelFunc
}

// NewScheduler returns a stopped scheduler for channel.
func NewScheduler(st *store.Store, sender Sender, channel string) *Scheduler {
	return &Scheduler{
		store:       st,
		sender:      sender,
		channel:     channel,
		logger:      slog.Default().With(slog.String("component", "scheduler")),
		Unit:        time.Minute,
		SendTimeout: 30 * time.Second,
		//nolint:gosec // G404: message choice and delay are not security sensitive
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetLiveProbe installs the function consulted by Reschedule and the store watcher.
func (s *Scheduler) SetLiveProbe(fn func() bool) {
	s.mu.Lock()
	s.live = fn
	s.mu.Unlock()
}

func (s *Scheduler) isLive() bool {
	s.mu.Lock()
	fn := s.live
	s.mu.Unlock()
	return fn != nil && fn()
}

// Start cancels any pending timer and arms a new one with a delay drawn from the current settings.
func (s *Scheduler) Start(ctx context.Context) error {
	st, err := s.store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.armLocked(s.gen, st)
	return nil
}

// Stop cancels the pending timer, aborts a send in progress and closes the chat connection.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	s.sender.Disconnect()
	s.logger.Info("message scheduler stopped")
}

// Reschedule re-arms with fresh bounds while live; otherwise it only cancels the pending timer.
func (s *Scheduler) Reschedule(ctx context.Context) error {
	if s.isLive() {
		return s.Start(ctx)
	}
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
	return nil
}

// Pending reports whether a timer is armed and when it fires.
func (s *Scheduler) Pending() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.next
}

func (s *Scheduler) cancelLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.active = false
	s.next = time.Time{}
	if s.sendCancel != nil {
		s.sendCancel()
		s.sendCancel = nil
	}
}

func (s *Scheduler) armLocked(gen uint64, st store.Settings) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.rndMu.Lock()
	delay := scale(RandomDelay(s.rnd, st.MinInterval, st.MaxInterval), s.Unit)
	s.rndMu.Unlock()
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	s.active = true
	s.next = time.Now().Add(delay)
	s.logger.Info("next message scheduled", slog.Duration("delay", delay))
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.active = false
	ctx, cancel := context.WithTimeout(context.Background(), s.SendTimeout)
	s.sendCancel = cancel
	s.mu.Unlock()

	err := s.SendRandom(ctx)
	cancel()
	s.mu.Lock()
	if gen == s.gen {
		s.sendCancel = nil
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("scheduled message not sent", slog.Any("err", err))
	}

	st, err := s.store.LoadSettings(context.Background())
	if err != nil {
		s.logger.Error("reload settings", slog.Any("err", err))
		st = store.DefaultSettings()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// stopped or restarted while sending
	if gen != s.gen {
		return
	}
	s.armLocked(gen, st)
}

// SendRandom posts one random message if automatic messages are enabled, messages exist and a
// token is stored. A skipped send returns the reason without touching the socket.
func (s *Scheduler) SendRandom(ctx context.Context) error {
	st, err := s.store.LoadSettings(ctx)
	if err != nil {
		return err
	}
	if !st.AutoMessages {
		telemetry.IncVec(telemetry.ChatMessagesSkipped, "disabled")
		return ErrMessagesDisabled
	}
	if len(st.Messages) == 0 {
		telemetry.IncVec(telemetry.ChatMessagesSkipped, "no_messages")
		return ErrNoMessages
	}
	sess, err := s.store.LoadSession(ctx)
	if err != nil {
		return err
	}
	if !sess.LoggedIn() {
		telemetry.IncVec(telemetry.ChatMessagesSkipped, "no_token")
		return oauth.ErrNoToken
	}
	s.rndMu.Lock()
	msg, _ := PickMessage(s.rnd, st.Messages)
	s.rndMu.Unlock()
	if err := s.sender.SendMessage(ctx, s.channel, msg); err != nil {
		telemetry.Inc(telemetry.ChatMessagesFailed)
		return err
	}
	telemetry.Inc(telemetry.ChatMessagesSent)
	return nil
}

// Watch follows store changes: interval edits reschedule, and a new access token while a socket
// is open restarts the chat session. It returns the unsubscribe function.
func (s *Scheduler) Watch() func() {
	return s.store.Subscribe(func(changes []store.Change) {
		if store.Changed(changes, store.KeyAccessToken) && s.sender.HasConnection() {
			go s.restartSession()
			return
		}
		if store.Changed(changes, store.KeyMinInterval, store.KeyMaxInterval) {
			s.mu.Lock()
			pending := s.active
			s.mu.Unlock()
			if !pending {
				return
			}
			go func() {
				if err := s.Reschedule(context.Background()); err != nil {
					s.logger.Warn("reschedule after interval change", slog.Any("err", err))
				}
			}()
		}
	})
}

func (s *Scheduler) restartSession() {
	s.logger.Info("access token changed, restarting chat session")
	s.Stop()
	if !s.isLive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.SendTimeout)
	defer cancel()
	if err := s.sender.Connect(ctx); err != nil {
		s.logger.Warn("chat connect after token change", slog.Any("err", err))
	}
	if err := s.Start(ctx); err != nil {
		s.logger.Error("restart scheduler", slog.Any("err", err))
	}
}

// RandomDelay draws uniformly from [minMinutes, maxMinutes] minutes at millisecond resolution,
// both ends inclusive. Swapped bounds are tolerated. A nil r uses the global source.
func RandomDelay(r *rand.Rand, minMinutes, maxMinutes int) time.Duration {
	lo := int64(minMinutes) * time.Minute.Milliseconds()
	hi := int64(maxMinutes) * time.Minute.Milliseconds()
	if hi < lo {
		lo, hi = hi, lo
	}
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}
	var n int64
	if r != nil {
		n = r.Int63n(hi - lo + 1)
	} else {
		//nolint:gosec // G404
		n = rand.Int63n(hi - lo + 1)
	}
	return time.Duration(lo+n) * time.Millisecond
}

// PickMessage returns a uniformly chosen element; ok is false for an empty list.
func PickMessage(r *rand.Rand, msgs []string) (msg string, ok bool) {
	if len(msgs) == 0 {
		return "", false
	}
	if r == nil {
		//nolint:gosec // G404
		return msgs[rand.Intn(len(msgs))], true
	}
	return msgs[r.Intn(len(msgs))], true
}

// scale converts a delay measured in minutes to one measured in unit.
func scale(d, unit time.Duration) time.Duration {
	if unit == time.Minute || unit <= 0 {
		return d
	}
	return time.Duration(float64(d) * float64(unit) / float64(time.Minute))
}

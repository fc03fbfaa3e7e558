package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/gorilla/websocket"

	"github.com/onnwee/live-notifier/oauth"
	"github.com/onnwee/live-notifier/telemetry"
)

// DefaultURL is the Twitch chat WebSocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

const pong = "PONG :tmi.twitch.tv"

var (
	// ErrConnectTimeout is returned by SendMessage when the connection never authenticated.
	ErrConnectTimeout = errors.New("chat connection not ready")
	// ErrInvalidMessage is returned for text that would break the line protocol.
	ErrInvalidMessage = errors.New("message contains a line terminator")
	// ErrConnectAborted is returned by Connect when Disconnect ran while the socket was dialing.
	ErrConnectAborted = errors.New("chat connect aborted by disconnect")
)

// State of the chat connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating // socket open, PASS/NICK sent
	StateConnected      // 001 received
	StateJoined         // our JOIN echoed back
	StateReconnecting   // reconnect timer pending
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// CredentialsFunc returns the access token and nickname used to log in.
type CredentialsFunc func(ctx context.Context) (token, username string, err error)

// Dialer opens the socket. *websocket.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Client. Zero durations take the protocol defaults.
type Options struct {
	URL         string
	Channel     string
	Credentials CredentialsFunc
	Dialer      Dialer
	IsLive      func() bool

	JoinDelay         time.Duration // settle time between NICK and JOIN
	ReadyPollInterval time.Duration
	ReadyPollAttempts int
	ReconnectDelay    time.Duration
	Logger            *slog.Logger
}

// Client is a minimal Twitch chat client over WebSocket: login, keep-alive, join and PRIVMSG.
// At most one socket and one reconnect timer exist at any time.
type Client struct {
	url     string
	channel string
	creds   CredentialsFunc
	dialer  Dialer

	joinDelay      time.Duration
	pollInterval   time.Duration
	pollAttempts   int
	reconnectDelay time.Duration
	logger         *slog.Logger

	connectMu sync.Mutex // serializes Connect

	mu          sync.Mutex
	conn        *websocket.Conn
	gen         uint64 // bumped whenever conn is replaced or dropped
	state       State
	username    string
	isLive      func() bool
	joinTimer   *time.Timer
	reconnTimer *time.Timer

	writeMu sync.Mutex
}

// NewClient applies defaults to opts.
func NewClient(opts Options) *Client {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if opts.JoinDelay <= 0 {
		opts.JoinDelay = 500 * time.Millisecond
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = 500 * time.Millisecond
	}
	if opts.ReadyPollAttempts <= 0 {
		opts.ReadyPollAttempts = 20
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:            opts.URL,
		channel:        normalizeChannel(opts.Channel),
		creds:          opts.Credentials,
		dialer:         opts.Dialer,
		isLive:         opts.IsLive,
		joinDelay:      opts.JoinDelay,
		pollInterval:   opts.ReadyPollInterval,
		pollAttempts:   opts.ReadyPollAttempts,
		reconnectDelay: opts.ReconnectDelay,
		logger:         logger.With(slog.String("component", "chat")),
	}
}

// SetLiveProbe installs the function consulted before reconnecting.
func (c *Client) SetLiveProbe(fn func() bool) {
	c.mu.Lock()
	c.isLive = fn
	c.mu.Unlock()
}

// Channel is the joined channel without '#'.
func (c *Client) Channel() string { return c.channel }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the server acknowledged the login (001).
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateJoined
}

// HasConnection reports whether a socket is open, authenticated or not.
func (c *Client) HasConnection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ReconnectPending reports whether a reconnect timer is armed.
func (c *Client) ReconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnTimer != nil
}

// Connect closes any previous socket, opens a new one and logs in. JOIN is sent after the
// settle delay. It returns once the login lines are written, not when the server accepts them.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.creds == nil {
		return oauth.ErrNoToken
	}
	token, username, err := c.creds(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return oauth.ErrNoToken
	}

	c.mu.Lock()
	c.dropLocked()
	c.stopReconnectLocked()
	c.state = StateConnecting
	dialGen := c.gen
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != dialGen {
			return ErrConnectAborted
		}
		c.state = StateDisconnected
		c.maybeReconnectLocked()
		return fmt.Errorf("chat dial: %w", err)
	}

	c.mu.Lock()
	if c.gen != dialGen {
		c.mu.Unlock()
		_ = conn.Close()
		c.logger.Info("chat dial finished after disconnect, socket closed")
		return ErrConnectAborted
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.username = strings.ToLower(username)
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.logger.Info("chat socket open", slog.String("channel", c.channel))

	for _, line := range []string{"PASS oauth:" + strings.TrimPrefix(token, "oauth:"), "NICK " + c.username} {
		if err := c.write(gen, line); err != nil {
			// the read loop sees the broken socket and handles it
			c.logger.Warn("chat login write failed", slog.Any("err", err))
			break
		}
	}

	go c.readLoop(conn, gen)

	c.mu.Lock()
	if c.gen == gen {
		c.joinTimer = time.AfterFunc(c.joinDelay, func() {
			if err := c.write(gen, "JOIN #"+c.channel); err != nil {
				c.logger.Debug("join skipped", slog.Any("err", err))
				return
			}
			c.logger.Info("join sent", slog.String("channel", c.channel))
		})
	}
	c.mu.Unlock()
	return nil
}

// SendMessage writes one PRIVMSG. When not connected it connects and waits for the login
// acknowledgement, polling a bounded number of times before giving up with ErrConnectTimeout.
func (c *Client) SendMessage(ctx context.Context, channel, text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ErrInvalidMessage
	}
	if channel == "" {
		channel = c.channel
	}
	if !c.Connected() {
		c.logger.Info("chat not ready, connecting")
		if err := c.Connect(ctx); err != nil {
			if errors.Is(err, oauth.ErrNoToken) || errors.Is(err, ErrConnectAborted) || ctx.Err() != nil {
				return err
			}
			c.logger.Warn("chat connect failed", slog.Any("err", err))
		}
		if _, err := c.waitReady(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	if err := c.write(gen, "PRIVMSG #"+normalizeChannel(channel)+" :"+text); err != nil {
		return err
	}
	c.logger.Info("message sent", slog.String("channel", normalizeChannel(channel)))
	return nil
}

// waitReady polls Connected every pollInterval, at most pollAttempts times, and returns the
// number of checks made.
func (c *Client) waitReady(ctx context.Context) (int, error) {
	for i := 1; i <= c.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return i - 1, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		if c.Connected() {
			return i, nil
		}
	}
	return c.pollAttempts, ErrConnectTimeout
}

// Disconnect closes the socket and cancels pending join/reconnect timers. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReconnectLocked()
	c.dropLocked()
}

// dropLocked forgets the current socket so its read loop exits without reconnecting.
func (c *Client) dropLocked() {
	c.gen++
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go func() {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}()
		c.logger.Info("chat disconnected")
	}
	if c.state != StateReconnecting {
		c.state = StateDisconnected
	}
	telemetry.SetChatConnected(false)
}

func (c *Client) stopReconnectLocked() {
	if c.reconnTimer != nil {
		c.reconnTimer.Stop()
		c.reconnTimer = nil
	}
	c.state = StateDisconnected
}

// maybeReconnectLocked arms the single reconnect timer when the stream is live.
func (c *Client) maybeReconnectLocked() {
	if c.isLive == nil || !c.isLive() {
		return
	}
	if c.reconnTimer != nil {
		c.reconnTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		if c.reconnTimer != t {
			c.mu.Unlock()
			return
		}
		c.reconnTimer = nil
		c.state = StateDisconnected
		live := c.isLive != nil && c.isLive()
		c.mu.Unlock()
		if !live {
			return
		}
		c.logger.Info("reconnecting to chat")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("chat reconnect failed", slog.Any("err", err))
		}
	})
	c.reconnTimer = t
	c.state = StateReconnecting
	telemetry.Inc(telemetry.ChatReconnects)
	c.logger.Info("chat reconnect scheduled", slog.Duration("delay", c.reconnectDelay))
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line != "" {
				c.handleLine(conn, gen, line)
			}
		}
	}
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	c.gen++
	c.state = StateDisconnected
	telemetry.SetChatConnected(false)
	c.logger.Info("chat connection closed", slog.Any("err", err))
	c.maybeReconnectLocked()
}

func (c *Client) handleLine(conn *websocket.Conn, gen uint64, line string) {
	msg := twitch.ParseMessage(line)
	switch msg.GetType() {
	case twitch.PING:
		if err := c.write(gen, pong); err != nil {
			c.logger.Warn("pong failed", slog.Any("err", err))
		}
	case twitch.RECONNECT:
		c.logger.Info("server requested reconnect")
		_ = conn.Close()
	case twitch.JOIN:
		if jm, ok := msg.(*twitch.UserJoinMessage); ok {
			c.mu.Lock()
			own := gen == c.gen && strings.EqualFold(jm.User, c.username) && strings.EqualFold(jm.Channel, c.channel)
			if own && c.state == StateConnected {
				c.state = StateJoined
			}
			c.mu.Unlock()
			if own {
				c.logger.Info("joined channel", slog.String("channel", c.channel))
			}
		}
	case twitch.NOTICE:
		if nm, ok := msg.(*twitch.NoticeMessage); ok && strings.Contains(nm.Message, "authentication failed") {
			c.logger.Warn("chat login rejected", slog.String("notice", nm.Message))
		}
	default:
		if rm, ok := msg.(*twitch.RawMessage); ok && rm.RawType == "001" {
			c.mu.Lock()
			if gen == c.gen && c.state == StateAuthenticating {
				c.state = StateConnected
			}
			c.mu.Unlock()
			telemetry.SetChatConnected(true)
			c.logger.Info("chat authenticated")
		}
	}
}

// write sends one line on the socket of generation gen.
func (c *Client) write(gen uint64, line string) error {
	c.mu.Lock()
	conn := c.conn
	current := gen == c.gen
	c.mu.Unlock()
	if conn == nil || !current {
		return errors.New("chat socket not open")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func normalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}

package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// FakeIRCServer is a WebSocket endpoint speaking the subset of Twitch chat the client uses.
// It records every inbound line and, unless disabled, answers NICK with the 001 welcome.
type FakeIRCServer struct {
	*httptest.Server
	WSURL string

	mu       sync.Mutex
	welcome  bool
	lines    []string
	conns    []*websocket.Conn
	connMu   map[*websocket.Conn]*sync.Mutex
	connects int
	notify   chan struct{}
}

// NewFakeIRCServer starts the server; it is closed on test cleanup.
func NewFakeIRCServer(t *testing.T) *FakeIRCServer {
	t.Helper()
	s := &FakeIRCServer{
		welcome: true,
		connMu:  map[*websocket.Conn]*sync.Mutex{},
		notify:  make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:      func(r *http.Request) bool { return true },
		HandshakeTimeout: 5 * time.Second,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.connMu[conn] = &sync.Mutex{}
		s.connects++
		s.mu.Unlock()
		s.signal()
		s.serve(conn)
	}))
	s.WSURL = "ws" + strings.TrimPrefix(s.URL, "http")
	t.Cleanup(func() {
		s.CloseConnections()
		s.Close()
	})
	return s
}

func (s *FakeIRCServer) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			s.mu.Lock()
			s.lines = append(s.lines, line)
			welcome := s.welcome
			s.mu.Unlock()
			s.signal()

			switch {
			case strings.HasPrefix(line, "NICK ") && welcome:
				nick := strings.TrimPrefix(line, "NICK ")
				_ = s.write(conn, ":tmi.twitch.tv 001 "+nick+" :Welcome, GLHF!")
			case strings.HasPrefix(line, "JOIN "):
				_ = s.write(conn, ":tmi.twitch.tv 366 * "+strings.TrimPrefix(line, "JOIN ")+" :End of /NAMES list")
			}
		}
	}
}

func (s *FakeIRCServer) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *FakeIRCServer) write(conn *websocket.Conn, line string) error {
	s.mu.Lock()
	mu := s.connMu[conn]
	s.mu.Unlock()
	if mu == nil {
		return websocket.ErrCloseSent
	}
	mu.Lock()
	defer mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

// SetWelcome controls whether NICK is answered with 001.
func (s *FakeIRCServer) SetWelcome(on bool) {
	s.mu.Lock()
	s.welcome = on
	s.mu.Unlock()
}

// Lines returns a copy of every line received so far.
func (s *FakeIRCServer) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Count returns how many received lines equal line.
func (s *FakeIRCServer) Count(line string) int {
	n := 0
	for _, l := range s.Lines() {
		if l == line {
			n++
		}
	}
	return n
}

// Connects returns the number of accepted WebSocket connections.
func (s *FakeIRCServer) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Send writes line to the most recent connection.
func (s *FakeIRCServer) Send(line string) error {
	s.mu.Lock()
	var conn *websocket.Conn
	if len(s.conns) > 0 {
		conn = s.conns[len(s.conns)-1]
	}
	s.mu.Unlock()
	if conn == nil {
		return websocket.ErrCloseSent
	}
	return s.write(conn, line)
}

// CloseConnections drops every open connection from the server side.
func (s *FakeIRCServer) CloseConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.connMu = map[*websocket.Conn]*sync.Mutex{}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// WaitFor polls until cond returns true or timeout elapses; it reports the final cond value.
func (s *FakeIRCServer) WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-deadline.C:
			return cond()
		case <-s.notify:
		case <-tick.C:
		}
	}
}

// WaitForLine waits until a received line has the given prefix and returns it.
func (s *FakeIRCServer) WaitForLine(t *testing.T, prefix string, timeout time.Duration) string {
	t.Helper()
	var found string
	ok := s.WaitFor(timeout, func() bool {
		for _, l := range s.Lines() {
			if strings.HasPrefix(l, prefix) {
				found = l
				return true
			}
		}
		return false
	})
	if !ok {
		t.Fatalf("no line with prefix %q within %v; got %q", prefix, timeout, s.Lines())
	}
	return found
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordingNotifier struct {
	got []Notification
	err error
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func TestMultiNotifier(t *testing.T) {
	a := &recordingNotifier{err: errors.New("a down")}
	b := &recordingNotifier{}
	m := MultiNotifier{a, nil, b, LogNotifier{}}

	n := Notification{Title: "monodie est en live !", URL: "https://www.twitch.tv/monodie"}
	err := m.Notify(context.Background(), n)
	if err == nil || !strings.Contains(err.Error(), "a down") {
		t.Errorf("Notify() error = %v, want joined failure", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 || b.got[0] != n {
		t.Errorf("fan-out incomplete: a=%v b=%v", a.got, b.got)
	}
	if err := (MultiNotifier{b}).Notify(context.Background(), n); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}

func TestBrowserTabOpener(t *testing.T) {
	var calls [][]string
	b := &BrowserTabOpener{
		Command: "firefox --new-tab",
		Run: func(_ context.Context, name string, args ...string) error {
			calls = append(calls, append([]string{name}, args...))
			return nil
		},
	}
	ctx := context.Background()
	tab, err := b.Open(ctx, "https://www.twitch.tv/monodie", false)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	want := "firefox --new-tab https://www.twitch.tv/monodie"
	if len(calls) != 1 || strings.Join(calls[0], " ") != want {
		t.Errorf("command = %v, want %q", calls, want)
	}

	if m, _ := b.Muted(ctx, tab); m {
		t.Error("new tab reported muted")
	}
	if err := b.SetMuted(ctx, tab, true); !errors.Is(err, ErrMuteUnsupported) {
		t.Errorf("SetMuted() error = %v, want ErrMuteUnsupported", err)
	}
	if m, _ := b.Muted(ctx, tab); !m {
		t.Error("requested mute state not tracked")
	}
	if err := b.SetMuted(ctx, Tab{ID: 99}, true); !errors.Is(err, ErrUnknownTab) {
		t.Errorf("SetMuted(unknown) error = %v", err)
	}
}

func TestBrowserTabOpenerRunFailure(t *testing.T) {
	b := &BrowserTabOpener{Run: func(context.Context, string, ...string) error {
		return errors.New("no display")
	}}
	if _, err := b.Open(context.Background(), "https://www.twitch.tv/monodie", false); err == nil {
		t.Error("Open() should fail when the opener cannot start")
	}
}

func TestNoopTabOpener(t *testing.T) {
	var o TabOpener = NoopTabOpener{}
	if _, err := o.Open(context.Background(), "https://www.twitch.tv/monodie", false); !errors.Is(err, ErrTabsDisabled) {
		t.Errorf("Open() error = %v", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var mu sync.Mutex
	var chatID, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/bottest-token/getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"live","username":"live_bot"}}`)
		case "/bottest-token/sendMessage":
			_ = r.ParseForm()
			mu.Lock()
			chatID, text = r.FormValue("chat_id"), r.FormValue("text")
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	defer srv.Close()

	tn, err := NewTelegramNotifier("test-token", 42, srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewTelegramNotifier() error = %v", err)
	}
	n := Notification{Title: "monodie est en live !", Message: "Clique pour regarder le stream", URL: "https://www.twitch.tv/monodie"}
	if err := tn.Notify(context.Background(), n); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chatID != "42" {
		t.Errorf("chat_id = %q", chatID)
	}
	if !strings.Contains(text, n.Title) || !strings.Contains(text, n.URL) {
		t.Errorf("text = %q", text)
	}
}

func TestTelegramNotifierBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()
	if _, err := NewTelegramNotifier("bad", 42, srv.URL+"/bot%s/%s"); err == nil {
		t.Error("NewTelegramNotifier() should fail on 401")
	}
}

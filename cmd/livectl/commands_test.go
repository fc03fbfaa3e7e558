package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeDaemon struct {
	*httptest.Server
	mu       sync.Mutex
	actions  []string
	lastBody map[string]any
	token    string
}

func newFakeDaemon(t *testing.T) *fakeDaemon {
	t.Helper()
	d := &fakeDaemon{}
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action string `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		d.mu.Lock()
		d.actions = append(d.actions, req.Action)
		d.token = r.Header.Get("X-Admin-Token")
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch req.Action {
		case "checkStatus":
			_, _ = io.WriteString(w, `{"isLive":true}`)
		case "toggleMute":
			_, _ = io.WriteString(w, `{"success":true,"muted":false}`)
		case "testSendMessage":
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"success":false,"error":"no messages configured"}`)
		default:
			_, _ = io.WriteString(w, `{"success":true}`)
		}
	})
	mux.HandleFunc("/settings", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"minInterval": 15, "maxInterval": 40}
		if r.Method == http.MethodPut {
			var patch map[string]any
			_ = json.NewDecoder(r.Body).Decode(&patch)
			d.mu.Lock()
			d.lastBody = patch
			d.mu.Unlock()
			for k, v := range patch {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	mux.HandleFunc("/auth/twitch/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://id.twitch.tv/oauth2/authorize?return="+r.URL.Query().Get("return_to"), http.StatusFound)
	})
	mux.HandleFunc("/auth/status", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"authenticated":true,"username":"botname","refreshable":true}`)
	})
	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Close)
	return d
}

func run(t *testing.T, d *fakeDaemon, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("LIVECTL_ADDR", d.URL)
	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestActionCommands(t *testing.T) {
	d := newFakeDaemon(t)
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"status"}, "live\n"},
		{[]string{"start"}, "monitoring started\n"},
		{[]string{"stop"}, "monitoring stopped\n"},
		{[]string{"toggle-mute"}, "muted: false\n"},
		{[]string{"whoami"}, "botname (refreshable: true)\n"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			out, err := run(t, d, tt.args...)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if out != tt.want {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}
}

func TestTestSendReportsFailure(t *testing.T) {
	d := newFakeDaemon(t)
	_, err := run(t, d, "test-send")
	if err == nil || !strings.Contains(err.Error(), "no messages configured") || !strings.Contains(err.Error(), "409") {
		t.Fatalf("error = %v", err)
	}
}

func TestAdminTokenFlag(t *testing.T) {
	d := newFakeDaemon(t)
	if _, err := run(t, d, "--token", "s3cret", "status"); err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.token != "s3cret" {
		t.Errorf("X-Admin-Token = %q", d.token)
	}
}

func TestLoginURLDoesNotFollowRedirect(t *testing.T) {
	d := newFakeDaemon(t)
	out, err := run(t, d, "login-url", "--return-to", "done")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "https://id.twitch.tv/oauth2/authorize?return=done" {
		t.Errorf("output = %q", out)
	}
}

func TestSettingsSetSendsOnlyChangedFlags(t *testing.T) {
	d := newFakeDaemon(t)
	out, err := run(t, d, "settings", "set", "--min-interval", "10", "--message", "a", "--message", "b", "--muted=false")
	if err != nil {
		t.Fatal(err)
	}
	d.mu.Lock()
	patch := d.lastBody
	d.mu.Unlock()
	if len(patch) != 3 || patch["minInterval"] != float64(10) || patch["muted"] != false {
		t.Errorf("patch = %v", patch)
	}
	if msgs, _ := patch["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v", patch["messages"])
	}
	if !strings.Contains(out, `"minInterval": 10`) {
		t.Errorf("output = %s", out)
	}

	if _, err := run(t, d, "settings", "set"); err == nil {
		t.Error("expected error for empty set")
	}
}

func TestSettingsGet(t *testing.T) {
	d := newFakeDaemon(t)
	out, err := run(t, d, "settings", "get")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"maxInterval": 40`) {
		t.Errorf("output = %s", out)
	}
}

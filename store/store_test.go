package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/live-notifier/crypto"
)

func openTestStore(t *testing.T, enc crypto.Encryptor) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", enc)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	enc, err := crypto.NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	err := s.SetMany(ctx, map[string]any{
		KeyMinInterval: 10,
		KeyMaxInterval: 20,
		KeyMessages:    []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("SetMany() error = %v", err)
	}

	var minI, maxI int
	var msgs []string
	if ok, err := s.Get(ctx, KeyMinInterval, &minI); !ok || err != nil {
		t.Fatalf("Get(minInterval) = %v, %v", ok, err)
	}
	if ok, err := s.Get(ctx, KeyMaxInterval, &maxI); !ok || err != nil {
		t.Fatalf("Get(maxInterval) = %v, %v", ok, err)
	}
	if ok, err := s.Get(ctx, KeyMessages, &msgs); !ok || err != nil {
		t.Fatalf("Get(messages) = %v, %v", ok, err)
	}
	if minI != 10 || maxI != 20 || !reflect.DeepEqual(msgs, []string{"a", "b"}) {
		t.Errorf("round trip = %d %d %v, want 10 20 [a b]", minI, maxI, msgs)
	}

	st, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if st.MinInterval != 10 || st.MaxInterval != 20 || !reflect.DeepEqual(st.Messages, []string{"a", "b"}) {
		t.Errorf("LoadSettings() = %+v", st)
	}
}

func TestGetAbsentKey(t *testing.T) {
	s := openTestStore(t, nil)
	v := 42
	ok, err := s.Get(context.Background(), "missing", &v)
	if err != nil || ok {
		t.Fatalf("Get(missing) = %v, %v; want false, nil", ok, err)
	}
	if v != 42 {
		t.Errorf("Get(missing) modified dst to %d", v)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s := openTestStore(t, nil)
	st, err := s.LoadSettings(context.Background())
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if !reflect.DeepEqual(st, DefaultSettings()) {
		t.Errorf("LoadSettings() on empty store = %+v, want defaults", st)
	}
}

func TestEnsureDefaultsKeepsExplicitFalse(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	if err := s.SetMany(ctx, map[string]any{KeyAutoOpen: false, KeyMessages: []string{}}); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsureDefaults(ctx); err != nil {
		t.Fatalf("EnsureDefaults() error = %v", err)
	}
	st, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.AutoOpen {
		t.Error("EnsureDefaults() overwrote explicit autoOpen=false")
	}
	if !st.Muted || st.MinInterval != 15 || st.MaxInterval != 40 {
		t.Errorf("EnsureDefaults() did not fill missing keys: %+v", st)
	}
	if !reflect.DeepEqual(st.Messages, DefaultMessages) {
		t.Errorf("empty messages should be replaced by defaults, got %v", st.Messages)
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"min zero", func(s *Settings) { s.MinInterval = 0 }, true},
		{"max zero", func(s *Settings) { s.MaxInterval = 0 }, true},
		{"min equals max", func(s *Settings) { s.MinInterval, s.MaxInterval = 20, 20 }, true},
		{"min above max", func(s *Settings) { s.MinInterval, s.MaxInterval = 30, 20 }, true},
		{"empty messages while enabled", func(s *Settings) { s.Messages = nil }, true},
		{"empty messages while disabled", func(s *Settings) { s.Messages, s.AutoMessages = nil, false }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := DefaultSettings()
			tt.mutate(&st)
			err := st.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSettings) {
				t.Errorf("Validate() error %v does not wrap ErrInvalidSettings", err)
			}
		})
	}
}

func TestSaveSettingsRejectsInvalid(t *testing.T) {
	s := openTestStore(t, nil)
	st := DefaultSettings()
	st.MinInterval = 50
	if err := s.SaveSettings(context.Background(), st); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("SaveSettings() error = %v, want ErrInvalidSettings", err)
	}
	raw, _ := s.GetRaw(context.Background(), KeyMinInterval)
	if raw != nil {
		t.Errorf("invalid settings were persisted: %s", raw)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	if err := s.SaveTokens(ctx, "access-1", "refresh-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTokens(ctx, "access-2", ""); err != nil {
		t.Fatal(err)
	}
	sess, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "access-2" || sess.RefreshToken != "refresh-1" {
		t.Errorf("LoadSession() = %+v, want access-2 / refresh-1 preserved", sess)
	}
	if !sess.LoggedIn() {
		t.Error("LoggedIn() = false with access token present")
	}

	if err := s.ClearTokens(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err = s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "" || sess.RefreshToken != "" || sess.LoggedIn() {
		t.Errorf("after ClearTokens session = %+v", sess)
	}
}

func TestSaveAccessOnlyDropsRefreshState(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	if err := s.SaveTokens(ctx, "access-1", "refresh-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveTokenExpiry(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	var batches [][]Change
	unsubscribe := s.Subscribe(func(changes []Change) { batches = append(batches, changes) })
	defer unsubscribe()

	if err := s.SaveAccessOnly(ctx, "access-2"); err != nil {
		t.Fatal(err)
	}
	sess, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "access-2" || sess.RefreshToken != "" {
		t.Errorf("LoadSession() = %+v", sess)
	}
	if _, ok, _ := s.TokenExpiry(ctx); ok {
		t.Error("expiry kept")
	}
	if len(batches) != 1 {
		t.Fatalf("notified %d times, want one batch", len(batches))
	}
	if !Changed(batches[0], KeyAccessToken) || !Changed(batches[0], KeyRefreshToken) || !Changed(batches[0], KeyTokenExpiry) {
		t.Errorf("batch = %+v", batches[0])
	}
}

func TestTokensSealedAtRest(t *testing.T) {
	s := openTestStore(t, testEncryptor(t))
	ctx := context.Background()
	if err := s.SaveTokens(ctx, "super-secret", "refresh-secret"); err != nil {
		t.Fatal(err)
	}

	var stored string
	if err := s.DB().QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, KeyAccessToken).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if !crypto.IsSealed(stored) {
		t.Errorf("access token stored in plaintext: %q", stored)
	}

	sess, err := s.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "super-secret" || sess.RefreshToken != "refresh-secret" {
		t.Errorf("LoadSession() = %+v", sess)
	}
}

func TestSealTokens(t *testing.T) {
	plain := openTestStore(t, nil)
	ctx := context.Background()
	if err := plain.SaveTokens(ctx, "old-access", "old-refresh"); err != nil {
		t.Fatal(err)
	}
	if _, err := plain.SealTokens(ctx, false); !errors.Is(err, crypto.ErrNoKey) {
		t.Fatalf("SealTokens() without key error = %v", err)
	}

	sealer := New(plain.DB(), "sqlite", testEncryptor(t))
	keys, err := sealer.SealTokens(ctx, true)
	if err != nil || len(keys) != 2 {
		t.Fatalf("dry run = %v, %v", keys, err)
	}
	var stored string
	if err := plain.DB().QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, KeyAccessToken).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if crypto.IsSealed(stored) {
		t.Fatal("dry run sealed the access token")
	}

	keys, err = sealer.SealTokens(ctx, false)
	if err != nil || !reflect.DeepEqual(keys, []string{KeyAccessToken, KeyRefreshToken}) {
		t.Fatalf("SealTokens() = %v, %v", keys, err)
	}
	if keys, _ := sealer.SealTokens(ctx, false); len(keys) != 0 {
		t.Errorf("second pass sealed %v", keys)
	}
	sess, err := sealer.LoadSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sess.AccessToken != "old-access" || sess.RefreshToken != "old-refresh" {
		t.Errorf("LoadSession() after sealing = %+v", sess)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got [][]Change
	unsubscribe := s.Subscribe(func(c []Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	if err := s.Set(ctx, KeyMinInterval, 5); err != nil {
		t.Fatal(err)
	}
	// same value: no change
	if err := s.Set(ctx, KeyMinInterval, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, KeyMinInterval, "never-set"); err != nil {
		t.Fatal(err)
	}
	unsubscribe()
	if err := s.Set(ctx, KeyMinInterval, 6); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("listener called %d times, want 2", len(got))
	}
	if !Changed(got[0], KeyMinInterval) || string(got[0][0].New) != "5" || got[0][0].Old != nil {
		t.Errorf("first change = %+v", got[0])
	}
	if len(got[1]) != 1 || got[1][0].New != nil || string(got[1][0].Old) != "5" {
		t.Errorf("remove change = %+v", got[1])
	}
}

func TestListenerMayWriteStore(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	s.Subscribe(func(c []Change) {
		if Changed(c, KeyMinInterval) {
			_ = s.Set(ctx, KeyMaxInterval, 99)
		}
	})
	if err := s.Set(ctx, KeyMinInterval, 1); err != nil {
		t.Fatal(err)
	}
	var maxI int
	if ok, _ := s.Get(ctx, KeyMaxInterval, &maxI); !ok || maxI != 99 {
		t.Errorf("listener write not visible: %d", maxI)
	}
}

func TestRebind(t *testing.T) {
	pg := New(nil, "pgx", nil)
	if got := pg.rebind(`SELECT value FROM kv WHERE key = ? AND value = ?`); got != `SELECT value FROM kv WHERE key = $1 AND value = $2` {
		t.Errorf("rebind() = %q", got)
	}
	lite := New(nil, "sqlite", nil)
	if got := lite.rebind(`key = ?`); got != `key = ?` {
		t.Errorf("sqlite rebind() = %q", got)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()
	ctx := context.Background()
	t.Cleanup(func() { _ = s.Remove(context.Background(), KeyMessages) })
	if err := s.Set(ctx, KeyMessages, []string{"pg"}); err != nil {
		t.Fatal(err)
	}
	var msgs []string
	if ok, err := s.Get(ctx, KeyMessages, &msgs); !ok || err != nil || len(msgs) != 1 || msgs[0] != "pg" {
		t.Errorf("Get() = %v %v %v", msgs, ok, err)
	}
}

// Package store is the persistent key-value settings store shared by every
// component: user configuration (autoOpen, messages, intervals, ...) and the
// OAuth session (access/refresh token, username).
//
// Values are JSON-encoded into a single kv table. Postgres (pgx) is used when
// the DSN is a postgres URL, otherwise a local SQLite file. Token keys are
// sealed with AES-256-GCM when an encryptor is configured.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure Go sqlite driver registered as 'sqlite'

	"github.com/onnwee/live-notifier/crypto"
)

// Change describes one key mutation. Old/New are nil when the key was absent
// before or removed by the write.
type Change struct {
	Key string
	Old json.RawMessage
	New json.RawMessage
}

// Listener receives the changes of one successful write, after it committed.
type Listener func(changes []Change)

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	driver string
	enc    crypto.Encryptor

	writeMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// sealedKeys are encrypted at rest when an encryptor is configured.
var sealedKeys = map[string]bool{
	KeyAccessToken:  true,
	KeyRefreshToken: true,
}

// Open connects to dsn and runs migrations. A postgres:// or postgresql:// DSN
// selects pgx; anything else is treated as a SQLite path (":memory:" allowed).
func Open(ctx context.Context, dsn string, enc crypto.Encryptor) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
	} else if dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// single connection: one writer, and ":memory:" is per-connection
		db.SetMaxOpenConns(1)
	}
	s := New(db, driver, enc)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. driver is "pgx" or "sqlite".
func New(db *sql.DB, driver string, enc crypto.Encryptor) *Store {
	return &Store{db: db, driver: driver, enc: enc, listeners: map[int]Listener{}}
}

// DB exposes the underlying handle (token migration tool).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies idempotent schema changes.
func (s *Store) Migrate(ctx context.Context) error {
	var stmts []string
	if s.driver == "pgx" {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT,
				updated_at TIMESTAMPTZ DEFAULT NOW()
			)`,
		}
	} else {
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT,
				updated_at TEXT DEFAULT CURRENT_TIMESTAMP
			)`,
		}
	}
	for i, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate step %d failed: %w", s.driver, i, err)
		}
	}
	return nil
}

// rebind rewrites '?' placeholders to $n for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != "pgx" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) readRaw(ctx context.Context, q querier, key string) (json.RawMessage, error) {
	var v sql.NullString
	err := q.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !v.Valid) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !sealedKeys[key] {
		return json.RawMessage(v.String), nil
	}
	plain, err := crypto.OpenString(s.enc, v.String)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return json.RawMessage(plain), nil
}

// GetRaw returns the JSON value of key, or nil when absent.
func (s *Store) GetRaw(ctx context.Context, key string) (json.RawMessage, error) {
	return s.readRaw(ctx, s.db, key)
}

// Get decodes key into dst. It reports false (and leaves dst untouched) when
// the key is absent.
func (s *Store) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.GetRaw(ctx, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes a single key.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

// SetMany writes all values in one transaction and notifies listeners once.
func (s *Store) SetMany(ctx context.Context, values map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		encoded[k] = b
	}
	return s.write(ctx, encoded, nil)
}

// Remove deletes keys; absent keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	return s.write(ctx, nil, keys)
}

func (s *Store) write(ctx context.Context, set map[string]json.RawMessage, remove []string) error {
	s.writeMu.Lock()
	changes, err := s.writeTx(ctx, set, remove)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	if len(changes) > 0 {
		s.notify(changes)
	}
	return nil
}

func (s *Store) writeTx(ctx context.Context, set map[string]json.RawMessage, remove []string) ([]Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var changes []Change
	for key, val := range set {
		old, err := s.readRaw(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		stored := string(val)
		if sealedKeys[key] && s.enc != nil {
			if stored, err = crypto.SealString(s.enc, stored); err != nil {
				return nil, fmt.Errorf("seal %s: %w", key, err)
			}
		}
		q := `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
		if _, err := tx.ExecContext(ctx, s.rebind(q), key, stored); err != nil {
			return nil, fmt.Errorf("write %s: %w", key, err)
		}
		if string(old) != string(val) {
			changes = append(changes, Change{Key: key, Old: old, New: val})
		}
	}
	for _, key := range remove {
		old, err := s.readRaw(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if old == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM kv WHERE key = ?`), key); err != nil {
			return nil, fmt.Errorf("remove %s: %w", key, err)
		}
		changes = append(changes, Change{Key: key, Old: old})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return changes, nil
}

// Subscribe registers fn for change notifications and returns a function that
// unregisters it.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()
	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Store) notify(changes []Change) {
	s.listenersMu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("store listener panic", slog.Any("panic", r), slog.String("component", "store"))
				}
			}()
			fn(changes)
		}()
	}
}

// Changed reports whether any change touches one of keys.
func Changed(changes []Change, keys ...string) bool {
	for _, c := range changes {
		for _, k := range keys {
			if c.Key == k {
				return true
			}
		}
	}
	return false
}

// SealTokens encrypts token values that were written before an encryptor was configured
// and returns the keys it sealed (or would seal when dryRun is set). Listeners are not
// notified because the decoded values do not change.
func (s *Store) SealTokens(ctx context.Context, dryRun bool) ([]string, error) {
	if s.enc == nil {
		return nil, crypto.ErrNoKey
	}
	keys := make([]string, 0, len(sealedKeys))
	for k := range sealedKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var sealed []string
	for _, key := range keys {
		var v sql.NullString
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return sealed, fmt.Errorf("read %s: %w", key, err)
		}
		if !v.Valid || v.String == "" || crypto.IsSealed(v.String) {
			continue
		}
		if dryRun {
			sealed = append(sealed, key)
			continue
		}
		ct, err := crypto.SealString(s.enc, v.String)
		if err != nil {
			return sealed, fmt.Errorf("seal %s: %w", key, err)
		}
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE kv SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ? AND value = ?`), ct, key, v.String)
		if err != nil {
			return sealed, fmt.Errorf("update %s: %w", key, err)
		}
		if n, err := res.RowsAffected(); err == nil && n != 1 {
			return sealed, fmt.Errorf("update %s: expected 1 row, got %d (modified concurrently)", key, n)
		}
		sealed = append(sealed, key)
	}
	return sealed, nil
}

package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/onnwee/live-notifier/store"
)

// SetupTestStore opens an in-memory SQLite store with migrations applied.
func SetupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

// SetupPostgresStore connects to TEST_PG_DSN and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupPostgresStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	s, err := store.Open(context.Background(), dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.DB().Exec(`DELETE FROM kv`)
		_ = s.Close()
	})
	return s
}

// Package main provides a CLI tool to seal Twitch tokens stored in plaintext.
//
// Token values written before ENCRYPTION_KEY was configured stay readable but are kept in
// plaintext until rewritten. This tool encrypts them in place with AES-256-GCM.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Flags:
//
//	--dry-run: Show what would be sealed without making changes
//
// Environment Variables:
//
//	DB_DSN: Store location, SQLite path or postgres URL (default: data/live-notifier.db)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/onnwee/live-notifier/config"
	"github.com/onnwee/live-notifier/crypto"
	"github.com/onnwee/live-notifier/store"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be sealed without making changes")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	encryptor, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DBDsn, encryptor)
	if err != nil {
		slog.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	if err := migrateTokens(ctx, st, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext token value and reports what it did.
func migrateTokens(ctx context.Context, st *store.Store, dryRun bool) error {
	keys, err := st.SealTokens(ctx, dryRun)
	for _, key := range keys {
		if dryRun {
			slog.Info("would seal token (dry-run)", slog.String("key", key))
		} else {
			slog.Info("sealed token", slog.String("key", key))
		}
	}
	if err != nil {
		return fmt.Errorf("seal tokens: %w", err)
	}
	if len(keys) == 0 {
		slog.Info("no plaintext tokens found to migrate")
	}
	slog.Info("migration summary", slog.Int("sealed", len(keys)), slog.Bool("dry_run", dryRun))
	return nil
}

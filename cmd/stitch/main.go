package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/renna-labs/stitch/internal/logging"
	"github.com/renna-labs/stitch/internal/remote"
	"github.com/renna-labs/stitch/internal/scheduler"
	"github.com/renna-labs/stitch/internal/secrets"
	"github.com/renna-labs/stitch/internal/store"
	"github.com/renna-labs/stitch/internal/streaming"
	"github.com/renna-labs/stitch/pkg/mcp"
)

func main() {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.ExecutorURL == "" {
		logger.Error("STITCH_EXECUTOR_URL is required: stitch coordinates runs but delegates the actual calls to an execution backend")
		os.Exit(1)
	}

	if err := os.MkdirAll(stitchDir(), 0o755); err != nil {
		logger.Error("create data directory", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		logger.Error("open store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrate store", "error", err)
		os.Exit(1)
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		vault, err = secrets.NewAESVault(db, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			logger.Error("initialize vault", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("vault disabled: STITCH_VAULT_PASSPHRASE not set; credential references will not resolve")
	}

	executor := remote.NewExecutor(cfg.ExecutorURL, remote.WithLogger(logger))
	hub := streaming.NewMemoryHub()

	srv := mcp.NewStitchServer(mcp.StitchServerDeps{
		Executor:   executor,
		Store:      db,
		Vault:      vault,
		Hub:        hub,
		Logger:     logger,
		Debounce:   cfg.Debounce,
		AbortGrace: cfg.AbortGrace,
	})

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(db, srv, logger)
		if err := sched.Start(ctx); err != nil {
			logger.Error("start scheduler", "error", err)
			os.Exit(1)
		}
		defer func() { _ = sched.Stop() }()
	}

	logger.Info("stitch mcp server listening on stdio",
		"db", filepath.Base(cfg.DBPath),
		"executor", cfg.ExecutorURL,
	)
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

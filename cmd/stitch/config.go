package main

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stitch server configuration, env-driven.
type Config struct {
	DBPath          string
	ExecutorURL     string
	VaultPassphrase string
	VaultSalt       string
	LogLevel        string
	Debounce        time.Duration
	AbortGrace      time.Duration
	Scheduler       bool
}

func stitchDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stitch"
	}
	return filepath.Join(home, ".stitch")
}

func loadConfig() Config {
	cfg := Config{
		DBPath:    "file:" + filepath.Join(stitchDir(), "stitch.db"),
		LogLevel:  "info",
		Scheduler: true,
	}

	if v := os.Getenv("STITCH_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STITCH_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := os.Getenv("STITCH_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("STITCH_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("STITCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STITCH_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Debounce = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("STITCH_ABORT_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AbortGrace = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("STITCH_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

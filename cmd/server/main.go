// Package main is the entry point for the tasklist server.
//
// MAIN PACKAGE IN GO:
// Every Go program starts execution in the main() function of the "main" package.
// The main package is kept minimal. Its job is to:
// 1. Read configuration (config.yaml + TASKLIST_* env vars)
// 2. Create the logger
// 3. Start the application
//
// All actual logic lives in imported packages (internal/server, internal/handler, etc.).
//
// WHY cmd/server/?
// The cmd/ directory is a Go convention for executable entry points.
// Each executable gets its own directory with its own main.go.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/tasklist/internal/config"
	"github.com/sakif/tasklist/internal/server"
)

func main() {
	// === 1. READ CONFIGURATION ===
	// -config names a YAML file. Without it TASKLIST_CONFIG is consulted, then
	// ./config.yaml. Every key can be overridden from the environment, e.g.
	//   TASKLIST_AUTH_JWTSECRET=$(openssl rand -hex 32)
	//   TASKLIST_HTTP_PORT=9000
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// === 2. SET UP LOGGING ===
	// Level and format (text or JSON) come from the log.* keys.
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	// === 3. DATABASE DIRECTORY ===
	// os.MkdirAll creates all parent directories if needed (like `mkdir -p`).
	// 0755 = owner can read/write/execute, others can read/execute.
	if cfg.Database.Path != ":memory:" {
		dbDir := filepath.Dir(cfg.Database.Path)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			logger.Error("failed to create database directory",
				slog.String("dir", dbDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	if !cfg.Google.Enabled() {
		logger.Info("Google sign-in disabled (set google.clientId and google.clientSecret to enable)")
	}

	// === 4. CREATE AND START THE SERVER ===
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

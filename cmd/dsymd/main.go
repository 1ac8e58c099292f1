// SPDX-License-Identifier: MIT

// Command dsymd runs the symbolication daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dsymtools/dsymd/internal/config"
	"github.com/dsymtools/dsymd/internal/daemon"
	"github.com/dsymtools/dsymd/internal/log"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dsymd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "dsymd",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Explicit --config wins; otherwise pick up ${DSYMD_DATA_DIR}/config.yaml
	// when it exists.
	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		autoPath := filepath.Join(config.ParseString("DSYMD_DATA_DIR", "/var/lib/dsymd"), "config.yaml")
		if _, err := os.Stat(autoPath); err == nil {
			effectiveConfigPath = autoPath
		}
	}

	cfg, err := config.Load(effectiveConfigPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Str(log.FieldArch, cfg.Arch).
		Strs("scan_roots", cfg.Scan.Roots).
		Msg("starting dsymd")

	app, err := daemon.New(ctx, cfg, version)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(log.FieldEvent, "daemon.init_failed").
			Msg("failed to initialize daemon")
	}

	runErr := app.Run(ctx)
	if closeErr := app.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("shutdown cleanup failed")
	}
	if runErr != nil {
		logger.Fatal().
			Err(runErr).
			Str(log.FieldEvent, "daemon.failed").
			Msg("daemon exited with error")
	}

	logger.Info().
		Str(log.FieldEvent, "daemon.stopped").
		Msg("dsymd stopped")
}

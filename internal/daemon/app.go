// SPDX-License-Identifier: MIT

// Package daemon assembles and runs the symbolication service: the dSYM
// index and scanner, the symbolicator, the HTTP API and the background
// maintenance loops.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dsymtools/dsymd/internal/api"
	"github.com/dsymtools/dsymd/internal/cache"
	"github.com/dsymtools/dsymd/internal/config"
	"github.com/dsymtools/dsymd/internal/dsym"
	"github.com/dsymtools/dsymd/internal/history"
	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/symbolize"
	"github.com/dsymtools/dsymd/internal/telemetry"
)

// App is the assembled daemon.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	index     *dsym.Index
	scanner   *dsym.Scanner
	watcher   *dsym.Watcher
	hist      *history.Store
	results   cache.Cache
	telemetry *telemetry.Provider
	server    *http.Server
}

// New builds the daemon from configuration. Call Close when done.
func New(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	logger := log.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("daemon: create data dir: %w", err)
	}

	cpu, err := macho.CpuByName(cfg.Arch)
	if err != nil {
		return nil, err
	}

	index, err := dsym.OpenIndex(cfg.IndexPath())
	if err != nil {
		return nil, err
	}
	logger.Debug().Str(log.FieldIndexPath, cfg.IndexPath()).Msg("index opened")

	app := &App{cfg: cfg, logger: logger, index: index}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	app.hist, err = history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, err
	}

	if cfg.Cache.RedisAddr != "" {
		rc, err := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		}, log.WithComponent("cache"))
		if err != nil {
			return nil, err
		}
		app.results = rc
	} else {
		app.results = cache.NewMemory(time.Minute)
	}

	app.telemetry, err = telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "dsymd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		ExporterType:   cfg.Tracing.ExporterType,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.Scan.Roots) > 0 {
		app.scanner = dsym.NewScanner(index, cfg.Scan.Roots, cpu, cfg.Scan.Workers, cfg.Scan.FilesPerSec)
		if cfg.Scan.Watch {
			app.watcher = dsym.NewWatcher(app.scanner, cfg.Scan.Roots, cfg.Scan.WatchDebounce)
		}
	}

	sym := symbolize.New(dsym.NewLocator(cpu, index))

	tracingService := ""
	if cfg.Tracing.Enabled {
		tracingService = "dsymd.api"
	}
	var scanner api.Scanner
	if app.scanner != nil {
		scanner = app.scanner
	}
	srv := api.New(api.Config{
		APIToken:           cfg.APIToken,
		RateLimitPerMinute: cfg.RateLimit,
		CacheTTL:           cfg.Cache.TTL,
		TracingService:     tracingService,
	}, sym, index, scanner, app.hist, app.results)

	app.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ok = true
	return app, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info().
			Str("listen", a.cfg.Listen).
			Msg("http server starting")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	if a.scanner != nil {
		g.Go(func() error { return a.scanLoop(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	g.Go(func() error { return a.pruneLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// scanLoop runs an initial scan, then rescans on the configured interval.
// One failed scan does not stop the loop.
func (a *App) scanLoop(ctx context.Context) error {
	a.scanOnce(ctx)

	ticker := time.NewTicker(a.cfg.Scan.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.scanOnce(ctx)
		}
	}
}

func (a *App) scanOnce(ctx context.Context) {
	stats, err := a.scanner.Scan(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("scan failed")
		return
	}
	a.logger.Info().
		Int("bundles", stats.Bundles).
		Int("indexed", stats.Indexed).
		Dur("duration", stats.Duration).
		Msg("scan complete")

	if a.cfg.SnapshotPath != "" {
		if err := dsym.ExportSnapshot(ctx, a.index, a.cfg.SnapshotPath); err != nil {
			a.logger.Warn().Err(err).
				Str(log.FieldPath, a.cfg.SnapshotPath).
				Msg("snapshot export failed")
		}
	}
}

// pruneLoop trims old history entries once a day.
func (a *App) pruneLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.hist.Prune(ctx, a.cfg.HistoryRetention); err != nil {
				a.logger.Warn().Err(err).Msg("history prune failed")
			}
		}
	}
}

// Close releases all resources. Safe to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(context.Background()))
	}
	switch c := a.results.(type) {
	case *cache.RedisCache:
		errs = append(errs, c.Close())
	case interface{ Stop() }:
		c.Stop()
	}
	if a.hist != nil {
		errs = append(errs, a.hist.Close())
	}
	if a.index != nil {
		errs = append(errs, a.index.Close())
	}
	return errors.Join(errs...)
}

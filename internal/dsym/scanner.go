// SPDX-License-Identifier: MIT

package dsym

import (
	"context"
	stdmacho "debug/macho"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/metrics"
	"github.com/dsymtools/dsymd/internal/telemetry"
)

// ScanStats summarises one index scan.
type ScanStats struct {
	Bundles  int           `json:"bundles"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Scanner walks the configured search roots and feeds every dSYM it finds
// into the index.
type Scanner struct {
	index   *Index
	roots   []string
	cpu     stdmacho.Cpu
	workers int
	limiter *rate.Limiter // caps candidate files parsed per second
	logger  zerolog.Logger
}

// NewScanner creates a scanner over roots. filesPerSec <= 0 disables
// throttling; workers <= 0 selects a small default.
func NewScanner(index *Index, roots []string, cpu stdmacho.Cpu, workers int, filesPerSec int) *Scanner {
	if workers <= 0 {
		workers = 4
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if filesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(filesPerSec), filesPerSec)
	}
	return &Scanner{
		index:   index,
		roots:   roots,
		cpu:     cpu,
		workers: workers,
		limiter: limiter,
		logger:  log.WithComponent("scanner"),
	}
}

// Scan walks all roots once. Unreadable directories and non-Mach-O files are
// skipped, not fatal; the walk itself stops only on context cancellation.
func (s *Scanner) Scan(ctx context.Context) (ScanStats, error) {
	scanID := uuid.New().String()
	ctx = log.ContextWithScanID(ctx, scanID)
	logger := log.WithContext(ctx, s.logger)

	ctx, span := telemetry.Tracer("dsymd.scanner").Start(ctx, "index.scan")
	defer span.End()

	start := time.Now()
	var stats ScanStats

	candidates := make(chan string)
	results := make(chan bool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(candidates)
		for _, root := range s.roots {
			if err := s.walkRoot(gctx, root, candidates); err != nil {
				return err
			}
		}
		return nil
	})

	workers, wctx := errgroup.WithContext(gctx)
	workers.SetLimit(s.workers)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for indexed := range results {
			if indexed {
				stats.Indexed++
			} else {
				stats.Skipped++
			}
		}
	}()
	g.Go(func() error {
		for path := range candidates {
			stats.Bundles++
			p := path
			workers.Go(func() error {
				if err := s.limiter.Wait(wctx); err != nil {
					return err
				}
				ok := s.indexCandidate(wctx, p)
				select {
				case results <- ok:
				case <-wctx.Done():
					return wctx.Err()
				}
				return nil
			})
		}
		err := workers.Wait()
		close(results)
		return err
	})

	err := g.Wait()
	<-done
	stats.Duration = time.Since(start)

	metrics.ObserveScan(stats.Duration, stats.Indexed)
	span.SetAttributes(telemetry.ScanAttributes(len(s.roots), stats.Bundles, stats.Indexed)...)
	logger.Info().
		Str(log.FieldEvent, "scan.complete").
		Int("bundles", stats.Bundles).
		Int("indexed", stats.Indexed).
		Int("skipped", stats.Skipped).
		Dur("duration", stats.Duration).
		Msg("index scan complete")
	return stats, err
}

// walkRoot emits every DWARF file under root's dSYM bundles.
func (s *Scanner) walkRoot(ctx context.Context, root string, out chan<- string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug().Err(err).Str(log.FieldPath, path).Msg("skipping unreadable path")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.IsDir() || !strings.HasSuffix(d.Name(), ".dSYM") {
			return nil
		}

		dwarfDir := filepath.Join(path, filepath.FromSlash(dwarfSubdir))
		entries, readErr := os.ReadDir(dwarfDir)
		if readErr != nil {
			return fs.SkipDir
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			select {
			case out <- filepath.Join(dwarfDir, entry.Name()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return fs.SkipDir
	})
}

// indexCandidate parses one DWARF file and stores its record. Returns false
// when the file is not an indexable Mach-O image.
func (s *Scanner) indexCandidate(ctx context.Context, path string) bool {
	img, err := macho.Open(path, s.cpu)
	if err != nil {
		s.logger.Debug().Err(err).Str(log.FieldPath, path).Msg("skipping candidate")
		return false
	}
	u, ok := img.UUID()
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	rec := &Record{
		UUID:      u.String(),
		Path:      path,
		Bundle:    bundleOf(path),
		Arch:      fmt.Sprintf("%v", img.Cpu),
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		IndexedAt: time.Now(),
	}
	if err := s.index.Put(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldUUID, rec.UUID).Msg("failed to store index record")
		return false
	}
	return true
}

// bundleOf walks up from a DWARF file to its enclosing .dSYM directory.
func bundleOf(path string) string {
	for dir := filepath.Dir(path); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if strings.HasSuffix(dir, ".dSYM") {
			return dir
		}
	}
	return ""
}

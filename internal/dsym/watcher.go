// SPDX-License-Identifier: MIT

package dsym

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/log"
)

// Watcher triggers index rescans when the search roots change on disk.
// Events are debounced so that unpacking a dSYM bundle causes one rescan,
// not hundreds.
type Watcher struct {
	scanner  *Scanner
	roots    []string
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher over the scanner's roots.
func NewWatcher(scanner *Scanner, roots []string, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		scanner:  scanner,
		roots:    roots,
		debounce: debounce,
		logger:   log.WithComponent("watcher"),
	}
}

// Run watches until ctx is cancelled. Roots that do not exist yet are
// skipped with a warning; the periodic scan still covers them if they appear
// later.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	watched := 0
	for _, root := range w.roots {
		if err := watcher.Add(root); err != nil {
			w.logger.Warn().Err(err).Str(log.FieldPath, root).Msg("cannot watch search root")
			continue
		}
		watched++
	}
	if watched == 0 {
		w.logger.Warn().Msg("no watchable search roots, watcher idle")
		<-ctx.Done()
		return ctx.Err()
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			if _, err := w.scanner.Scan(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("triggered scan failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

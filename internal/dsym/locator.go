// SPDX-License-Identifier: MIT

// Package dsym locates DWARF debug info for Mach-O images: sibling *.dSYM
// bundles next to the binary, plus a persistent UUID index over configured
// search directories.
package dsym

import (
	"context"
	stdmacho "debug/macho"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/metrics"
)

// dwarfSubdir is where dSYM bundles keep their DWARF files.
const dwarfSubdir = "Contents/Resources/DWARF"

// ErrUnknownUUID is returned when an image UUID is not present in the index.
var ErrUnknownUUID = errors.New("dsym: uuid not in index")

// Located is the outcome of a lookup: the binary itself and the image that
// carries its debug info. Debug is the matching dSYM DWARF file when one was
// found, otherwise the binary again (its symbol table still allows
// symbol-level symbolication).
type Located struct {
	Binary *macho.Image
	Debug  *macho.Image

	// DSYMPath is set when Debug came from a dSYM bundle.
	DSYMPath string
}

// Locator resolves debug info for images.
type Locator struct {
	cpu    stdmacho.Cpu
	index  *Index // optional
	logger zerolog.Logger
}

// NewLocator creates a Locator for the given CPU type. index may be nil; the
// locator then relies on sibling probing alone.
func NewLocator(cpu stdmacho.Cpu, index *Index) *Locator {
	return &Locator{
		cpu:    cpu,
		index:  index,
		logger: log.WithComponent("dsym"),
	}
}

// Locate opens the image at path and finds its debug info. Probing order:
// sibling *.dSYM bundles in the image's parent directory, then the UUID
// index. Images without an LC_UUID skip both and fall back to themselves.
func (l *Locator) Locate(ctx context.Context, path string) (*Located, error) {
	binary, err := macho.Open(path, l.cpu)
	if err != nil {
		return nil, err
	}

	u, ok := binary.UUID()
	if !ok {
		l.logger.Debug().Str(log.FieldPath, path).Msg("image has no LC_UUID, using own symbol table")
		return &Located{Binary: binary, Debug: binary}, nil
	}

	if debug, bundle, found := l.probeSiblings(path, u); found {
		metrics.IncDSYMLookup("sibling")
		return &Located{Binary: binary, Debug: debug, DSYMPath: bundle}, nil
	}

	if l.index != nil {
		if debug, bundle, found := l.fromIndex(ctx, u); found {
			metrics.IncDSYMLookup("index")
			return &Located{Binary: binary, Debug: debug, DSYMPath: bundle}, nil
		}
	}

	metrics.IncDSYMLookup("fallback")
	l.logger.Debug().
		Str(log.FieldPath, path).
		Str(log.FieldUUID, u.String()).
		Msg("no matching dSYM, using own symbol table")
	return &Located{Binary: binary, Debug: binary}, nil
}

// LocateUUID resolves debug info for an indexed UUID without a binary on
// hand. Binary and Debug are the same image.
func (l *Locator) LocateUUID(ctx context.Context, u uuid.UUID) (*Located, error) {
	if l.index == nil {
		return nil, ErrUnknownUUID
	}
	debug, bundle, found := l.fromIndex(ctx, u)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUUID, u)
	}
	return &Located{Binary: debug, Debug: debug, DSYMPath: bundle}, nil
}

// probeSiblings scans the parent directory of path for *.dSYM bundles whose
// DWARF files carry a matching UUID.
func (l *Locator) probeSiblings(path string, u uuid.UUID) (*macho.Image, string, bool) {
	parent := filepath.Dir(path)
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil, "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dSYM") {
			continue
		}
		bundle := filepath.Join(parent, entry.Name())
		if img, ok := l.probeBundle(bundle, u); ok {
			return img, bundle, true
		}
	}
	return nil, "", false
}

// probeBundle checks every DWARF file inside a single dSYM bundle.
func (l *Locator) probeBundle(bundle string, u uuid.UUID) (*macho.Image, bool) {
	dir := filepath.Join(bundle, filepath.FromSlash(dwarfSubdir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		candidate := filepath.Join(dir, entry.Name())
		img, err := macho.Open(candidate, l.cpu)
		if err != nil {
			l.logger.Debug().Err(err).Str(log.FieldPath, candidate).Msg("skipping unreadable dSYM candidate")
			continue
		}
		got, ok := img.UUID()
		if !ok || got != u {
			continue
		}
		l.logger.Debug().
			Str(log.FieldDSYMPath, candidate).
			Str(log.FieldUUID, u.String()).
			Msg("matched dSYM by uuid")
		return img, true
	}
	return nil, false
}

// fromIndex resolves a UUID through the persistent index, re-validating the
// record against the file on disk.
func (l *Locator) fromIndex(ctx context.Context, u uuid.UUID) (*macho.Image, string, bool) {
	rec, err := l.index.Get(ctx, u.String())
	if err != nil || rec == nil {
		return nil, "", false
	}
	img, err := macho.Open(rec.Path, l.cpu)
	if err != nil {
		l.logger.Warn().Err(err).Str(log.FieldPath, rec.Path).Msg("indexed dSYM no longer readable, dropping record")
		_ = l.index.Delete(ctx, u.String())
		return nil, "", false
	}
	got, ok := img.UUID()
	if !ok || got != u {
		l.logger.Warn().Str(log.FieldPath, rec.Path).Msg("indexed dSYM uuid changed, dropping record")
		_ = l.index.Delete(ctx, u.String())
		return nil, "", false
	}
	return img, rec.Bundle, true
}

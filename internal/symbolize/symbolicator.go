// SPDX-License-Identifier: MIT

package symbolize

import (
	"context"
	"debug/dwarf"
	stdmacho "debug/macho"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/dsym"
	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/metrics"
)

// mappingCacheSize bounds the number of parsed images kept alive. Parsed
// DWARF and symbol tables are expensive to rebuild, but a long-running
// daemon must not accumulate one mapping per binary it ever saw.
const mappingCacheSize = 4

// ErrBadUUID marks a request whose UUID does not parse. A caller error,
// unlike a UUID that is merely absent from the index.
var ErrBadUUID = errors.New("symbolize: invalid uuid")

// Request identifies an image and the addresses to resolve in it. Either
// Path or UUID must be set; UUID lookups require a populated dSYM index.
type Request struct {
	Path string `json:"path,omitempty"`
	UUID string `json:"uuid,omitempty"`

	// LoadAddr is the address the image was loaded at. Zero means the
	// addresses are already stated addresses and need no rebasing.
	LoadAddr uint64   `json:"load_addr,omitempty"`
	Addrs    []uint64 `json:"addrs"`
}

// Symbolicator resolves addresses to frames, keeping a small MRU cache of
// parsed mappings. Safe for concurrent use.
type Symbolicator struct {
	locator *dsym.Locator
	logger  zerolog.Logger

	mu       sync.Mutex
	mappings []*cachedMapping
}

type cachedMapping struct {
	key string
	m   *mapping
}

// New creates a Symbolicator that finds debug info through loc.
func New(loc *dsym.Locator) *Symbolicator {
	return &Symbolicator{
		locator: loc,
		logger:  log.WithComponent("symbolize"),
	}
}

// Symbolicate resolves every address in req. The returned slice is parallel
// to req.Addrs; addresses that resolve to nothing get an empty frame list.
func (s *Symbolicator) Symbolicate(ctx context.Context, req Request) ([]Result, error) {
	start := time.Now()

	m, err := s.mapping(ctx, req)
	if err != nil {
		metrics.ObserveSymbolicate("error", len(req.Addrs), time.Since(start))
		return nil, err
	}

	// Rebasing: the slide is the difference between where the image ran
	// and where the linker placed it.
	var slide uint64
	if req.LoadAddr != 0 {
		slide = req.LoadAddr - m.loc.Binary.TextAddr()
	}

	results := make([]Result, 0, len(req.Addrs))
	for _, addr := range req.Addrs {
		frames := m.frames(addr - slide)
		res := Result{Addr: addr, Frames: frames}
		metrics.IncFrameSource(res.Source())
		results = append(results, res)
	}

	metrics.ObserveSymbolicate("ok", len(req.Addrs), time.Since(start))
	s.logger.Debug().
		Str(log.FieldPath, req.Path).
		Int(log.FieldAddrCount, len(req.Addrs)).
		Dur("duration", time.Since(start)).
		Msg("symbolicated")
	return results, nil
}

func (s *Symbolicator) mapping(ctx context.Context, req Request) (*mapping, error) {
	key := "path:" + req.Path
	if req.Path == "" {
		key = "uuid:" + req.UUID
	}

	s.mu.Lock()
	for i, cm := range s.mappings {
		if cm.key == key {
			// Move to front.
			copy(s.mappings[1:], s.mappings[:i])
			s.mappings[0] = cm
			s.mu.Unlock()
			return cm.m, nil
		}
	}
	s.mu.Unlock()

	loc, err := s.locate(ctx, req)
	if err != nil {
		return nil, err
	}
	m := &mapping{loc: loc, objects: make(map[string]*objectImage)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mappings) >= mappingCacheSize {
		s.mappings = s.mappings[:mappingCacheSize-1]
	}
	s.mappings = append([]*cachedMapping{{key: key, m: m}}, s.mappings...)
	return m, nil
}

func (s *Symbolicator) locate(ctx context.Context, req Request) (*dsym.Located, error) {
	if req.Path != "" {
		return s.locator.Locate(ctx, req.Path)
	}
	u, err := uuid.Parse(req.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadUUID, req.UUID)
	}
	return s.locator.LocateUUID(ctx, u)
}

// mapping is one binary with its located debug info and lazily parsed
// lookup state.
type mapping struct {
	loc *dsym.Located

	once  sync.Once
	dw    *dwarf.Data // nil when the debug image has none
	dwErr error

	objMu   sync.Mutex
	objects map[string]*objectImage
}

func (m *mapping) dwarf() *dwarf.Data {
	m.once.Do(func() {
		if m.loc.Debug.HasDWARF() {
			m.dw, m.dwErr = m.loc.Debug.DWARF()
		}
	})
	return m.dw
}

// frames runs the lookup tiers in order for one stated address.
func (m *mapping) frames(addr uint64) []Frame {
	if d := m.dwarf(); d != nil {
		if fr, err := dwarfFrames(d, addr); err == nil && len(fr) > 0 {
			return fr
		}
	}
	if fr := m.debugMapFrames(addr); len(fr) > 0 {
		return fr
	}
	if sym, ok := m.loc.Debug.SearchSymtab(addr); ok {
		return []Frame{{
			Symbol: sym.Name,
			Offset: addr - sym.Addr,
			Source: SourceSymtab,
		}}
	}
	return nil
}

// debugMapFrames resolves addr through the STAB debug map: find the function
// entry covering addr, open the object file it came from, translate addr
// into the object's own address space, and symbolize there.
func (m *mapping) debugMapFrames(addr uint64) []Frame {
	dm, err := m.loc.Binary.DebugMap()
	if err != nil {
		return nil
	}
	entry, ok := dm.Lookup(addr)
	if !ok {
		return nil
	}

	fallback := []Frame{{
		Symbol: entry.Name,
		Offset: addr - entry.Addr,
		Source: SourceDebugMap,
	}}

	obj := m.object(dm.Objects[entry.Object])
	if obj == nil || obj.img == nil {
		return fallback
	}
	objSym, ok := findSymByName(obj.img.Syms(), entry.Name)
	if !ok {
		return fallback
	}
	objAddr := addr - entry.Addr + objSym.Addr

	if obj.dw != nil {
		if fr, err := dwarfFrames(obj.dw, objAddr); err == nil && len(fr) > 0 {
			for i := range fr {
				fr[i].Source = SourceDebugMap
			}
			return fr
		}
	}
	return fallback
}

// object loads and caches one debug map object file, including negative
// results so broken paths are probed once per mapping.
func (m *mapping) object(path string) *objectImage {
	m.objMu.Lock()
	defer m.objMu.Unlock()

	if obj, ok := m.objects[path]; ok {
		return obj
	}
	obj := loadObject(path, m.loc.Binary.Cpu)
	m.objects[path] = obj
	return obj
}

type objectImage struct {
	img *macho.Image // nil when the object could not be loaded
	dw  *dwarf.Data
}

func loadObject(path string, cpu stdmacho.Cpu) *objectImage {
	var img *macho.Image
	var err error
	if archive, member, ok := macho.SplitArchivePath(path); ok {
		var data []byte
		data, err = macho.ArchiveMember(archive, member)
		if err == nil {
			img, err = macho.Parse(data, cpu)
		}
	} else {
		img, err = macho.Open(path, cpu)
	}
	if err != nil {
		return &objectImage{}
	}

	obj := &objectImage{img: img}
	if img.HasDWARF() {
		if d, err := img.DWARF(); err == nil {
			obj.dw = d
		}
	}
	return obj
}

func findSymByName(syms []macho.Sym, name string) (macho.Sym, bool) {
	for _, s := range syms {
		if s.Name == name {
			return s, true
		}
	}
	return macho.Sym{}, false
}

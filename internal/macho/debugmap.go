// SPDX-License-Identifier: MIT

package macho

import (
	"errors"
	"sort"
	"strings"
)

// ErrNoDebugMap is returned when an image carries no STAB debug map.
var ErrNoDebugMap = errors.New("macho: image has no debug map")

// DebugMapEntry records one symbol the linker took from a relocatable object,
// at its address in the linked image. Size is zero when the closing N_FUN
// entry was absent.
type DebugMapEntry struct {
	Name   string
	Addr   uint64
	Size   uint64
	Object int // index into DebugMap.Objects
}

// DebugMap is the STAB debug map of a linked image: the set of relocatable
// objects it was linked from and the symbols attributed to each. It exists
// when the image was linked with -g but not run through dsymutil.
type DebugMap struct {
	Objects []string // N_OSO paths; archive members appear as "path(member)"
	entries []DebugMapEntry
}

// DebugMap lazily builds and returns the image's debug map.
func (img *Image) DebugMap() (*DebugMap, error) {
	if !img.debugMapOnce {
		img.debugMap, img.debugMapErr = img.buildDebugMap()
		img.debugMapOnce = true
	}
	return img.debugMap, img.debugMapErr
}

func (img *Image) buildDebugMap() (*DebugMap, error) {
	if img.file.Symtab == nil || img.IsObject() {
		return nil, ErrNoDebugMap
	}

	// Addresses for N_GSYM entries come from the regular symbol table.
	byName := make(map[string]uint64, len(img.syms))
	for _, s := range img.syms {
		byName[s.Name] = s.Addr
	}

	m := &DebugMap{}
	current := -1
	for _, s := range img.file.Symtab.Syms {
		switch s.Type {
		case stabOSO:
			if s.Name == "" {
				current = -1
				continue
			}
			m.Objects = append(m.Objects, s.Name)
			current = len(m.Objects) - 1
		case stabFun:
			if current < 0 {
				continue
			}
			if s.Name != "" {
				m.entries = append(m.entries, DebugMapEntry{
					Name:   s.Name,
					Addr:   s.Value,
					Object: current,
				})
			} else if n := len(m.entries); n > 0 && m.entries[n-1].Size == 0 {
				// Closing N_FUN carries the function size.
				m.entries[n-1].Size = s.Value
			}
		case stabSTSym:
			if current < 0 || s.Name == "" {
				continue
			}
			m.entries = append(m.entries, DebugMapEntry{
				Name:   s.Name,
				Addr:   s.Value,
				Object: current,
			})
		case stabGSym:
			if current < 0 || s.Name == "" {
				continue
			}
			addr, ok := byName[s.Name]
			if !ok {
				continue
			}
			m.entries = append(m.entries, DebugMapEntry{
				Name:   s.Name,
				Addr:   addr,
				Object: current,
			})
		}
	}
	if len(m.entries) == 0 {
		return nil, ErrNoDebugMap
	}
	sort.Slice(m.entries, func(i, j int) bool {
		return m.entries[i].Addr < m.entries[j].Addr
	})
	return m, nil
}

// Lookup returns the entry covering addr: the entry with the greatest address
// not exceeding addr, bounded by its size when one was recorded.
func (m *DebugMap) Lookup(addr uint64) (DebugMapEntry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Addr > addr
	})
	if i == 0 {
		return DebugMapEntry{}, false
	}
	e := m.entries[i-1]
	if e.Size > 0 && addr >= e.Addr+e.Size {
		return DebugMapEntry{}, false
	}
	return e, true
}

// Entries exposes the sorted debug map entries.
func (m *DebugMap) Entries() []DebugMapEntry {
	return m.entries
}

// SplitArchivePath splits an N_OSO path of the form "archive(member)" into
// its parts. It reports false for plain object paths.
func SplitArchivePath(path string) (archive, member string, ok bool) {
	if !strings.HasSuffix(path, ")") {
		return "", "", false
	}
	i := strings.LastIndex(path, "(")
	if i < 0 {
		return "", "", false
	}
	return path[:i], path[i+1 : len(path)-1], true
}

// SPDX-License-Identifier: MIT

// Package machotest builds minimal synthetic Mach-O files for tests: 64-bit
// little-endian images with an optional LC_UUID, a __TEXT segment, optional
// __DWARF sections and a symbol table. Just enough structure for
// debug/macho to parse.
package machotest

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"testing"
)

// Mach-O constants used when composing test images.
const (
	Magic64     = 0xfeedfacf
	LcUUID      = 0x1b
	LcSegment64 = 0x19
	LcSymtab    = 0x2

	MhObject  = 1
	MhExecute = 2

	// Symbol n_type values.
	TypeSect  uint8 = 0x0e // defined in a section
	TypeUndef uint8 = 0x01 // undefined external
	StabGSym  uint8 = 0x20
	StabFun   uint8 = 0x24
	StabSTSym uint8 = 0x26
	StabOSO   uint8 = 0x66
)

// Sym is one symbol table entry.
type Sym struct {
	Name  string
	Type  uint8
	Sect  uint8
	Value uint64
}

// Section is one section placed in the __DWARF segment (or any segment named
// by Seg).
type Section struct {
	Seg  string
	Name string
	Data []byte
}

// Image describes a synthetic Mach-O image.
type Image struct {
	Cpu      macho.Cpu
	Filetype uint32
	UUID     []byte // nil for no LC_UUID, else 16 bytes
	TextAddr uint64
	Sections []Section
	Syms     []Sym
}

// Build serialises img into Mach-O bytes.
func Build(t *testing.T, img Image) []byte {
	t.Helper()
	le := binary.LittleEndian

	// String table: leading NUL, then names.
	strtab := []byte{0}
	strx := make([]uint32, len(img.Syms))
	for i, s := range img.Syms {
		strx[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.Name)...)
		strtab = append(strtab, 0)
	}
	symtab := &bytes.Buffer{}
	for i, s := range img.Syms {
		var nl [16]byte
		le.PutUint32(nl[0:4], strx[i])
		nl[4] = s.Type
		nl[5] = s.Sect
		le.PutUint64(nl[8:16], s.Value)
		symtab.Write(nl[:])
	}

	// Load command sizes, needed up front to compute file offsets.
	ncmds := 0
	sizeofcmds := 0
	if img.UUID != nil {
		ncmds++
		sizeofcmds += 24
	}
	ncmds++ // __TEXT
	sizeofcmds += 72
	if len(img.Sections) > 0 {
		ncmds++
		sizeofcmds += 72 + 80*len(img.Sections)
	}
	ncmds++ // LC_SYMTAB
	sizeofcmds += 24

	headerEnd := 32 + sizeofcmds
	secDataOff := headerEnd
	secOffsets := make([]int, len(img.Sections))
	for i, sec := range img.Sections {
		secOffsets[i] = secDataOff
		secDataOff += len(sec.Data)
	}
	symOff := secDataOff
	strOff := symOff + symtab.Len()

	out := &bytes.Buffer{}

	// mach_header_64
	var hdr [32]byte
	le.PutUint32(hdr[0:4], Magic64)
	le.PutUint32(hdr[4:8], uint32(img.Cpu))
	le.PutUint32(hdr[12:16], img.Filetype)
	le.PutUint32(hdr[16:20], uint32(ncmds))
	le.PutUint32(hdr[20:24], uint32(sizeofcmds))
	out.Write(hdr[:])

	if img.UUID != nil {
		var cmd [24]byte
		le.PutUint32(cmd[0:4], LcUUID)
		le.PutUint32(cmd[4:8], 24)
		copy(cmd[8:24], img.UUID)
		out.Write(cmd[:])
	}

	writeSegment := func(name string, vmaddr uint64, secs []Section, offsets []int) {
		var cmd [72]byte
		le.PutUint32(cmd[0:4], LcSegment64)
		le.PutUint32(cmd[4:8], uint32(72+80*len(secs)))
		copy(cmd[8:24], name)
		le.PutUint64(cmd[24:32], vmaddr)
		le.PutUint32(cmd[64:68], uint32(len(secs)))
		out.Write(cmd[:])
		for i, sec := range secs {
			var s [80]byte
			copy(s[0:16], sec.Name)
			copy(s[16:32], sec.Seg)
			le.PutUint64(s[40:48], uint64(len(sec.Data)))
			le.PutUint32(s[48:52], uint32(offsets[i]))
			out.Write(s[:])
		}
	}

	writeSegment("__TEXT", img.TextAddr, nil, nil)
	if len(img.Sections) > 0 {
		writeSegment("__DWARF", 0, img.Sections, secOffsets)
	}

	var sym [24]byte
	le.PutUint32(sym[0:4], LcSymtab)
	le.PutUint32(sym[4:8], 24)
	le.PutUint32(sym[8:12], uint32(symOff))
	le.PutUint32(sym[12:16], uint32(len(img.Syms)))
	le.PutUint32(sym[16:20], uint32(strOff))
	le.PutUint32(sym[20:24], uint32(len(strtab)))
	out.Write(sym[:])

	for _, sec := range img.Sections {
		out.Write(sec.Data)
	}
	out.Write(symtab.Bytes())
	out.Write(strtab)

	return out.Bytes()
}

// BuildFat wraps members into a fat archive with 32-bit entries.
func BuildFat(t *testing.T, cpus []macho.Cpu, members [][]byte) []byte {
	t.Helper()
	return buildFat(t, 0xcafebabe, 20, cpus, members)
}

// BuildFat64 wraps members into a fat archive with 64-bit entries.
func BuildFat64(t *testing.T, cpus []macho.Cpu, members [][]byte) []byte {
	t.Helper()
	return buildFat(t, 0xcafebabf, 32, cpus, members)
}

func buildFat(t *testing.T, magic uint32, entrySize int, cpus []macho.Cpu, members [][]byte) []byte {
	t.Helper()
	be := binary.BigEndian

	out := &bytes.Buffer{}
	var hdr [8]byte
	be.PutUint32(hdr[0:4], magic)
	be.PutUint32(hdr[4:8], uint32(len(members)))
	out.Write(hdr[:])

	off := 8 + entrySize*len(members)
	for i, m := range members {
		entry := make([]byte, entrySize)
		be.PutUint32(entry[0:4], uint32(cpus[i]))
		if entrySize == 32 {
			be.PutUint64(entry[8:16], uint64(off))
			be.PutUint64(entry[16:24], uint64(len(m)))
		} else {
			be.PutUint32(entry[8:12], uint32(off))
			be.PutUint32(entry[12:16], uint32(len(m)))
		}
		out.Write(entry)
		off += len(m)
	}
	for _, m := range members {
		out.Write(m)
	}
	return out.Bytes()
}

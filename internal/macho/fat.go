// SPDX-License-Identifier: MIT

package macho

import (
	"debug/macho"
	"encoding/binary"
	"fmt"
)

// Fat archive magic values. Fat headers are written big-endian; the CIGAM
// forms show up when the magic was stored byte-swapped.
const (
	fatMagic   = 0xcafebabe
	fatCigam   = 0xbebafeca
	fatMagic64 = 0xcafebabf
	fatCigam64 = 0xbfbafeca
)

// findHeader returns the thin Mach-O slice of data for cpu. Thin images are
// returned whole; fat archives (32- and 64-bit entry tables) are searched for
// a member with a matching CPU type.
func findHeader(data []byte, cpu macho.Cpu) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrNotMachO
	}

	be := binary.BigEndian
	le := binary.LittleEndian
	switch le.Uint32(data) {
	case macho.Magic32, macho.Magic64:
		return data, nil
	}
	switch be.Uint32(data) {
	case macho.Magic32, macho.Magic64:
		return data, nil
	}

	switch be.Uint32(data) {
	case fatMagic, fatCigam:
		return fatMember(data, cpu, false)
	case fatMagic64, fatCigam64:
		return fatMember(data, cpu, true)
	}
	return nil, ErrNotMachO
}

// fatMember slices the fat archive member matching cpu out of data.
func fatMember(data []byte, cpu macho.Cpu, wide bool) ([]byte, error) {
	be := binary.BigEndian
	if len(data) < 8 {
		return nil, ErrNotMachO
	}
	nfat := be.Uint32(data[4:8])

	entrySize := 20
	if wide {
		entrySize = 32
	}
	off := 8
	for i := uint32(0); i < nfat; i++ {
		if off+entrySize > len(data) {
			return nil, fmt.Errorf("macho: truncated fat header (%d members)", nfat)
		}
		entry := data[off : off+entrySize]
		off += entrySize

		if macho.Cpu(be.Uint32(entry[0:4])) != cpu {
			continue
		}
		var memberOff, memberSize uint64
		if wide {
			memberOff = be.Uint64(entry[8:16])
			memberSize = be.Uint64(entry[16:24])
		} else {
			memberOff = uint64(be.Uint32(entry[8:12]))
			memberSize = uint64(be.Uint32(entry[12:16]))
		}
		end := memberOff + memberSize
		if memberOff > uint64(len(data)) || end > uint64(len(data)) || end < memberOff {
			return nil, fmt.Errorf("macho: fat member out of bounds (offset %d, size %d)", memberOff, memberSize)
		}
		return data[memberOff:end], nil
	}
	return nil, ErrNoMatchingArch
}

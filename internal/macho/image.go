// SPDX-License-Identifier: MIT

// Package macho reads Mach-O images: thin and fat binaries, UUIDs, symbol
// tables, DWARF sections and the STAB debug map left behind by the linker.
// It wraps debug/macho and adds the pieces it does not expose.
package macho

import (
	"bytes"
	"debug/dwarf"
	"debug/macho"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Load command and symbol-type constants debug/macho does not export.
const (
	lcUUID = 0x1b

	nStab uint8 = 0xe0
	nType uint8 = 0x0e
	nSect uint8 = 0x0e

	stabGSym  uint8 = 0x20 // global symbol
	stabFun   uint8 = 0x24 // function start / end
	stabSTSym uint8 = 0x26 // static data symbol
	stabOSO   uint8 = 0x66 // object file reference
)

var (
	// ErrNotMachO is returned when the data carries no recognised Mach-O magic.
	ErrNotMachO = errors.New("macho: not a Mach-O file")
	// ErrNoMatchingArch is returned when a fat binary has no member for the
	// requested CPU type.
	ErrNoMatchingArch = errors.New("macho: fat binary has no member for requested architecture")
	// ErrUnsupportedArch is returned when the host architecture cannot be
	// mapped to a Mach-O CPU type.
	ErrUnsupportedArch = errors.New("macho: unsupported architecture")
)

// Sym is a defined, named symbol from an image's symbol table.
type Sym struct {
	Name string
	Addr uint64
}

// Image is a parsed Mach-O image (one architecture of one file).
type Image struct {
	Path string
	Cpu  macho.Cpu

	file *macho.File
	data []byte

	uuid    uuid.UUID
	hasUUID bool

	syms []Sym // sorted by address ascending

	debugMap     *DebugMap
	debugMapErr  error
	debugMapOnce bool
}

// Open reads the file at path and parses the member matching cpu.
func Open(path string, cpu macho.Cpu) (*Image, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	img, err := Parse(data, cpu)
	if err != nil {
		return nil, fmt.Errorf("parse image %s: %w", path, err)
	}
	img.Path = path
	return img, nil
}

// OpenHost is Open with the running process architecture.
func OpenHost(path string) (*Image, error) {
	cpu, err := HostCpu()
	if err != nil {
		return nil, err
	}
	return Open(path, cpu)
}

// Parse locates the Mach-O header inside data (slicing out the matching fat
// member if necessary) and parses it.
func Parse(data []byte, cpu macho.Cpu) (*Image, error) {
	thin, err := findHeader(data, cpu)
	if err != nil {
		return nil, err
	}
	f, err := macho.NewFile(bytes.NewReader(thin))
	if err != nil {
		return nil, fmt.Errorf("parse mach header: %w", err)
	}

	img := &Image{Cpu: f.Cpu, file: f, data: thin}
	img.loadUUID()
	img.loadSymtab()
	return img, nil
}

// HostCpu maps the running process architecture to a Mach-O CPU type.
func HostCpu() (macho.Cpu, error) {
	return CpuByName(runtime.GOARCH)
}

// CpuByName maps a GOARCH-style or atos-style architecture name to a Mach-O
// CPU type.
func CpuByName(name string) (macho.Cpu, error) {
	switch strings.ToLower(name) {
	case "386", "i386", "x86":
		return macho.Cpu386, nil
	case "amd64", "x86_64":
		return macho.CpuAmd64, nil
	case "arm", "armv7":
		return macho.CpuArm, nil
	case "arm64", "aarch64":
		return macho.CpuArm64, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedArch, name)
	}
}

// UUID returns the image's LC_UUID value, if present.
func (img *Image) UUID() (uuid.UUID, bool) {
	return img.uuid, img.hasUUID
}

// IsObject reports whether the image is a relocatable object (MH_OBJECT).
func (img *Image) IsObject() bool {
	return img.file.Type == macho.TypeObj
}

// TextAddr returns the preferred load address of the __TEXT segment.
// Relocatable objects have no __TEXT segment and report zero.
func (img *Image) TextAddr() uint64 {
	if seg := img.file.Segment("__TEXT"); seg != nil {
		return seg.Addr
	}
	return 0
}

// Syms returns the image's defined symbols, sorted by address.
func (img *Image) Syms() []Sym {
	return img.syms
}

// SearchSymtab returns the symbol with the greatest address not exceeding
// addr. It reports false when addr lies below the first symbol or the table
// is empty.
func (img *Image) SearchSymtab(addr uint64) (Sym, bool) {
	i := sort.Search(len(img.syms), func(i int) bool {
		return img.syms[i].Addr > addr
	})
	if i == 0 {
		return Sym{}, false
	}
	return img.syms[i-1], true
}

// Section returns the data of the named debug section. Mach-O section names
// use a "__" prefix where DWARF names use "."; both spellings are accepted.
// Only sections of the __DWARF segment are considered, plus unnamed-segment
// sections for relocatable objects.
func (img *Image) Section(name string) []byte {
	want := name
	if alias, ok := strings.CutPrefix(name, "."); ok {
		want = "__" + alias
	}
	for _, sec := range img.file.Sections {
		if sec.Seg != "__DWARF" && !(img.IsObject() && sec.Seg == "") {
			continue
		}
		if sec.Name != name && sec.Name != want {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil
		}
		return data
	}
	return nil
}

// HasDWARF reports whether the image carries DWARF debug info.
func (img *Image) HasDWARF() bool {
	return img.Section(".debug_info") != nil
}

// DWARF returns the image's parsed DWARF data.
func (img *Image) DWARF() (*dwarf.Data, error) {
	return img.file.DWARF()
}

// loadUUID scans the load commands for LC_UUID.
func (img *Image) loadUUID() {
	bo := img.file.ByteOrder
	for _, load := range img.file.Loads {
		raw := load.Raw()
		if len(raw) < 24 {
			continue
		}
		if bo.Uint32(raw[0:4]) != lcUUID {
			continue
		}
		copy(img.uuid[:], raw[8:24])
		img.hasUUID = true
		return
	}
}

// loadSymtab extracts the named, defined symbols and sorts them by address.
func (img *Image) loadSymtab() {
	if img.file.Symtab == nil {
		return
	}
	for _, s := range img.file.Symtab.Syms {
		if s.Name == "" {
			continue
		}
		if s.Type&nStab != 0 {
			continue
		}
		if s.Type&nType != nSect {
			continue
		}
		img.syms = append(img.syms, Sym{Name: s.Name, Addr: s.Value})
	}
	sort.Slice(img.syms, func(i, j int) bool {
		return img.syms[i].Addr < img.syms[j].Addr
	})
}

// SPDX-License-Identifier: MIT

package macho_test

import (
	stdmacho "debug/macho"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsymtools/dsymd/internal/macho"
	"github.com/dsymtools/dsymd/internal/macho/machotest"
)

func testDebugMapImage(t *testing.T) *macho.Image {
	t.Helper()
	img, err := macho.Parse(machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		TextAddr: 0x100000000,
		Syms: []machotest.Sym{
			// Regular symbols (N_GSYM addresses resolve through these).
			{Name: "_main", Type: machotest.TypeSect, Sect: 1, Value: 0x100001000},
			{Name: "_global", Type: machotest.TypeSect, Sect: 1, Value: 0x100003000},
			// Debug map for main.o.
			{Name: "/build/main.o", Type: machotest.StabOSO},
			{Name: "_main", Type: machotest.StabFun, Sect: 1, Value: 0x100001000},
			{Name: "", Type: machotest.StabFun, Sect: 1, Value: 0x200}, // size of _main
			{Name: "_global", Type: machotest.StabGSym},
			// Debug map for an archive member.
			{Name: "/build/libutil.a(util.o)", Type: machotest.StabOSO},
			{Name: "_util", Type: machotest.StabFun, Sect: 1, Value: 0x100002000},
		},
	}), stdmacho.CpuAmd64)
	require.NoError(t, err)
	return img
}

func TestDebugMapBuild(t *testing.T) {
	img := testDebugMapImage(t)

	m, err := img.DebugMap()
	require.NoError(t, err)
	assert.Equal(t, []string{"/build/main.o", "/build/libutil.a(util.o)"}, m.Objects)
	require.Len(t, m.Entries(), 3)

	// Cached on second call.
	m2, err := img.DebugMap()
	require.NoError(t, err)
	assert.Same(t, m, m2)
}

func TestDebugMapLookup(t *testing.T) {
	img := testDebugMapImage(t)
	m, err := img.DebugMap()
	require.NoError(t, err)

	e, ok := m.Lookup(0x100001080)
	require.True(t, ok)
	assert.Equal(t, "_main", e.Name)
	assert.Equal(t, "/build/main.o", m.Objects[e.Object])

	// Size-bounded: past the end of _main but before _util.
	_, ok = m.Lookup(0x100001fff)
	assert.False(t, ok)

	e, ok = m.Lookup(0x100002000)
	require.True(t, ok)
	assert.Equal(t, "_util", e.Name)
	assert.Equal(t, "/build/libutil.a(util.o)", m.Objects[e.Object])

	// N_GSYM entry got its address from the regular symbol table.
	e, ok = m.Lookup(0x100003000)
	require.True(t, ok)
	assert.Equal(t, "_global", e.Name)

	_, ok = m.Lookup(0x100000100)
	assert.False(t, ok)
}

func TestDebugMapAbsent(t *testing.T) {
	img, err := macho.Parse(machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		Syms: []machotest.Sym{
			{Name: "_main", Type: machotest.TypeSect, Sect: 1, Value: 0x1000},
		},
	}), stdmacho.CpuAmd64)
	require.NoError(t, err)

	_, err = img.DebugMap()
	assert.ErrorIs(t, err, macho.ErrNoDebugMap)
}

func TestSplitArchivePath(t *testing.T) {
	archive, member, ok := macho.SplitArchivePath("/build/libutil.a(util.o)")
	require.True(t, ok)
	assert.Equal(t, "/build/libutil.a", archive)
	assert.Equal(t, "util.o", member)

	_, _, ok = macho.SplitArchivePath("/build/main.o")
	assert.False(t, ok)

	_, _, ok = macho.SplitArchivePath("weird(name")
	assert.False(t, ok)
}

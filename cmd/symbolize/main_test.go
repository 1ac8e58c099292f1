// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	stdmacho "debug/macho"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsymtools/dsymd/internal/macho/machotest"
)

func writeTestBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app")
	data := machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		UUID:     []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		TextAddr: 0x100000000,
		Syms: []machotest.Sym{
			{Name: "_main", Type: machotest.TypeSect, Sect: 1, Value: 0x100001000},
		},
	})
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRunSymbolicates(t *testing.T) {
	bin := writeTestBinary(t)

	var out bytes.Buffer
	code := run([]string{"-o", bin, "-arch", "amd64", "0x100001010"}, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "_main (in app) + 16")
}

func TestRunRebasesWithLoadAddress(t *testing.T) {
	bin := writeTestBinary(t)

	var out bytes.Buffer
	code := run([]string{"-o", bin, "-arch", "amd64", "-l", "0x100010000", "0x100011010"}, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "_main (in app) + 16")
}

func TestRunUnknownAddressEchoes(t *testing.T) {
	bin := writeTestBinary(t)

	var out bytes.Buffer
	code := run([]string{"-o", bin, "-arch", "amd64", "0x1"}, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "0x1\n")
}

func TestRunUsageErrors(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, 2, run([]string{"0x1000"}, &out), "missing -o")

	bin := writeTestBinary(t)
	assert.Equal(t, 2, run([]string{"-o", bin}, &out), "missing addresses")
	assert.Equal(t, 2, run([]string{"-o", bin, "zzz"}, &out), "bad address")
	assert.Equal(t, 1, run([]string{"-o", "/nonexistent", "-arch", "amd64", "0x1000"}, &out))
}

func TestRunWithDSYMBundle(t *testing.T) {
	dir := t.TempDir()
	dwarfDir := filepath.Join(dir, "app.dSYM", "Contents", "Resources", "DWARF")
	require.NoError(t, os.MkdirAll(dwarfDir, 0o755))
	data := machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		UUID:     []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		TextAddr: 0x100000000,
		Syms: []machotest.Sym{
			{Name: "_detail", Type: machotest.TypeSect, Sect: 1, Value: 0x100001000},
		},
	})
	require.NoError(t, os.WriteFile(filepath.Join(dwarfDir, "app"), data, 0o644))

	var out bytes.Buffer
	code := run([]string{"-dsym", filepath.Join(dir, "app.dSYM"), "-arch", "amd64", "0x100001000"}, &out)
	require.Equal(t, 0, code)
	assert.Contains(t, out.String(), "_detail")
}

// SPDX-License-Identifier: MIT

package dsym

import (
	"context"
	stdmacho "debug/macho"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsymtools/dsymd/internal/macho/machotest"
)

func mustUUID(t *testing.T, b []byte) uuid.UUID {
	t.Helper()
	u, err := uuid.FromBytes(b)
	require.NoError(t, err)
	return u
}

func u16(last byte) []byte {
	u := make([]byte, 16)
	u[0] = 0xaa
	u[15] = last
	return u
}

// writeBinary writes a synthetic executable with the given UUID and returns
// its path.
func writeBinary(t *testing.T, dir, name string, uuid []byte) string {
	t.Helper()
	data := machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		UUID:     uuid,
		TextAddr: 0x100000000,
		Syms: []machotest.Sym{
			{Name: "_main", Type: machotest.TypeSect, Sect: 1, Value: 0x100001000},
		},
	})
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o755))
	return path
}

// writeBundle writes a .dSYM bundle whose DWARF file carries uuid and
// returns the DWARF file path.
func writeBundle(t *testing.T, dir, name string, uuid []byte) string {
	t.Helper()
	dwarfDir := filepath.Join(dir, name+".dSYM", "Contents", "Resources", "DWARF")
	require.NoError(t, os.MkdirAll(dwarfDir, 0o755))
	data := machotest.Build(t, machotest.Image{
		Cpu:      stdmacho.CpuAmd64,
		Filetype: machotest.MhExecute,
		UUID:     uuid,
		TextAddr: 0x100000000,
		Syms: []machotest.Sym{
			{Name: "_main", Type: machotest.TypeSect, Sect: 1, Value: 0x100001000},
		},
	})
	path := filepath.Join(dwarfDir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestLocatorSiblingProbe(t *testing.T) {
	dir := t.TempDir()
	binary := writeBinary(t, dir, "app", u16(1))
	writeBundle(t, dir, "decoy", u16(2))
	dwarfPath := writeBundle(t, dir, "app", u16(1))

	loc := NewLocator(stdmacho.CpuAmd64, nil)
	located, err := loc.Locate(context.Background(), binary)
	require.NoError(t, err)

	assert.Equal(t, binary, located.Binary.Path)
	assert.Equal(t, dwarfPath, located.Debug.Path)
	assert.Equal(t, filepath.Join(dir, "app.dSYM"), located.DSYMPath)
}

func TestLocatorFallsBackToOwnSymtab(t *testing.T) {
	dir := t.TempDir()
	binary := writeBinary(t, dir, "app", u16(1))
	writeBundle(t, dir, "other", u16(9)) // uuid mismatch

	loc := NewLocator(stdmacho.CpuAmd64, nil)
	located, err := loc.Locate(context.Background(), binary)
	require.NoError(t, err)

	assert.Same(t, located.Binary, located.Debug)
	assert.Empty(t, located.DSYMPath)
}

func TestLocatorNoUUID(t *testing.T) {
	dir := t.TempDir()
	binary := writeBinary(t, dir, "app", nil)

	loc := NewLocator(stdmacho.CpuAmd64, nil)
	located, err := loc.Locate(context.Background(), binary)
	require.NoError(t, err)
	assert.Same(t, located.Binary, located.Debug)
}

func TestLocatorUsesIndex(t *testing.T) {
	binDir := t.TempDir()
	symDir := t.TempDir()
	binary := writeBinary(t, binDir, "app", u16(3))
	dwarfPath := writeBundle(t, symDir, "app", u16(3))

	idx := openTestIndex(t)
	scanner := NewScanner(idx, []string{symDir}, stdmacho.CpuAmd64, 2, 0)
	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	loc := NewLocator(stdmacho.CpuAmd64, idx)
	located, err := loc.Locate(context.Background(), binary)
	require.NoError(t, err)
	assert.Equal(t, dwarfPath, located.Debug.Path)
	assert.NotEmpty(t, located.DSYMPath)
}

func TestLocateUUID(t *testing.T) {
	symDir := t.TempDir()
	dwarfPath := writeBundle(t, symDir, "app", u16(4))

	idx := openTestIndex(t)
	scanner := NewScanner(idx, []string{symDir}, stdmacho.CpuAmd64, 2, 0)
	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	img, err := NewLocator(stdmacho.CpuAmd64, idx).LocateUUID(context.Background(), mustUUID(t, u16(4)))
	require.NoError(t, err)
	assert.Equal(t, dwarfPath, img.Debug.Path)

	_, err = NewLocator(stdmacho.CpuAmd64, idx).LocateUUID(context.Background(), mustUUID(t, u16(250)))
	assert.ErrorIs(t, err, ErrUnknownUUID)
}

func TestIndexRoundTripAndStaleness(t *testing.T) {
	dir := t.TempDir()
	dwarfPath := writeBundle(t, dir, "app", u16(5))
	info, err := os.Stat(dwarfPath)
	require.NoError(t, err)

	idx := openTestIndex(t)
	ctx := context.Background()

	rec := &Record{
		UUID:      mustUUID(t, u16(5)).String(),
		Path:      dwarfPath,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
		IndexedAt: time.Now(),
	}
	require.NoError(t, idx.Put(ctx, rec))

	got, err := idx.Get(ctx, rec.UUID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dwarfPath, got.Path)

	// Unknown uuid: nil, nil.
	got, err = idx.Get(ctx, mustUUID(t, u16(99)).String())
	require.NoError(t, err)
	assert.Nil(t, got)

	// Change the file; the record becomes stale and is dropped.
	require.NoError(t, os.WriteFile(dwarfPath, []byte("replaced"), 0o644))
	got, err = idx.Get(ctx, rec.UUID)
	require.NoError(t, err)
	assert.Nil(t, got)

	list, err := idx.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestScannerIndexesBundles(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "one", u16(6))
	nested := filepath.Join(root, "nested")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	writeBundle(t, nested, "two", u16(7))
	// Junk that must be skipped.
	require.NoError(t, os.WriteFile(filepath.Join(root, "noise.txt"), []byte("x"), 0o644))
	junkBundle := filepath.Join(root, "bad.dSYM", "Contents", "Resources", "DWARF")
	require.NoError(t, os.MkdirAll(junkBundle, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(junkBundle, "bad"), []byte("not mach-o"), 0o644))

	idx := openTestIndex(t)
	scanner := NewScanner(idx, []string{root}, stdmacho.CpuAmd64, 2, 0)
	stats, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Indexed)
	assert.Equal(t, 1, stats.Skipped)

	list, err := idx.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSnapshotExport(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, root, "one", u16(8))

	idx := openTestIndex(t)
	scanner := NewScanner(idx, []string{root}, stdmacho.CpuAmd64, 1, 0)
	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, ExportSnapshot(context.Background(), idx, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), mustUUID(t, u16(8)).String())
}

func TestWatcherTriggersRescan(t *testing.T) {
	root := t.TempDir()
	idx := openTestIndex(t)
	scanner := NewScanner(idx, []string{root}, stdmacho.CpuAmd64, 1, 0)
	watcher := NewWatcher(scanner, []string{root}, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = watcher.Run(ctx)
	}()

	// Give the watcher a moment to register, then drop a bundle in.
	time.Sleep(100 * time.Millisecond)
	writeBundle(t, root, "late", u16(9))

	require.Eventually(t, func() bool {
		list, err := idx.List(context.Background())
		return err == nil && len(list) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	<-done
}

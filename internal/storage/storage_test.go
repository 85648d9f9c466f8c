package storage

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeProjectID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Orto", "orto"},
		{"my project", "myproject"},
		{"Åre-Östersund", "are-ostersund"},
		{"../../etc", "etc"},
		{"base_map-2", "base_map-2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeProjectID(tt.in), "input %q", tt.in)
	}
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "parcels", SanitizeName("parcels"))
	assert.Equal(t, "v_gar_2024", SanitizeName("vägar 2024"))
	assert.Equal(t, "a_b", SanitizeName("a/b"))
	assert.Equal(t, "_.._etc", SanitizeName("/../etc"))
	assert.NotContains(t, SanitizeName("..\\..\\win"), "\\")
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{CacheRoot: "cache"}
	assert.Equal(t, filepath.Join("cache", "orto", "parcels"), l.TargetDir("orto", "layer", "parcels"))
	assert.Equal(t, filepath.Join("cache", "orto", "_themes", "base"), l.TargetDir("orto", "theme", "base"))
	assert.Equal(t, filepath.Join("cache", "orto", "parcels", "3", "4", "5.png"),
		TilePath(l.TargetDir("orto", "layer", "parcels"), 3, 4, 5, "png"))
}

func TestSafeRemoveDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "parcels")
	require.NoError(t, os.MkdirAll(filepath.Join(target, "3", "4"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "3", "4", "5.png"), []byte("x"), 0o644))

	require.NoError(t, SafeRemoveDir(target, nil))

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no purge leftovers expected")
}

func TestSafeRemoveDirMissingIsNoop(t *testing.T) {
	require.NoError(t, SafeRemoveDir(filepath.Join(t.TempDir(), "absent"), nil))
}

func writePNG(t *testing.T, path string, width, height uint32) {
	t.Helper()
	buf := make([]byte, 0, 64)
	buf = append(buf, pngSignature...)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, 13)
	buf = append(buf, length...)
	buf = append(buf, []byte("IHDR")...)
	dims := make([]byte, 8)
	binary.BigEndian.PutUint32(dims[0:4], width)
	binary.BigEndian.PutUint32(dims[4:8], height)
	buf = append(buf, dims...)
	buf = append(buf, make([]byte, 16)...) // rest of IHDR + CRC filler
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestCheckTile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid png", func(t *testing.T) {
		p := filepath.Join(dir, "ok.png")
		writePNG(t, p, 256, 256)
		assert.NoError(t, CheckTile(p, 0))
	})

	t.Run("zero length", func(t *testing.T) {
		p := filepath.Join(dir, "empty.png")
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		assert.ErrorIs(t, CheckTile(p, 0), ErrInvalidTile)
	})

	t.Run("below minimum size", func(t *testing.T) {
		p := filepath.Join(dir, "small.png")
		writePNG(t, p, 256, 256)
		assert.ErrorIs(t, CheckTile(p, 1<<20), ErrInvalidTile)
	})

	t.Run("bad signature", func(t *testing.T) {
		p := filepath.Join(dir, "bad.png")
		require.NoError(t, os.WriteFile(p, []byte("<html>not a tile</html>..........."), 0o644))
		assert.ErrorIs(t, CheckTile(p, 0), ErrInvalidTile)
	})

	t.Run("implausible dimensions", func(t *testing.T) {
		p := filepath.Join(dir, "huge.png")
		writePNG(t, p, 99999, 256)
		assert.ErrorIs(t, CheckTile(p, 0), ErrInvalidTile)
	})
}

func TestEnsureValidTileDeletesInvalid(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "corrupt.png")
	require.NoError(t, os.WriteFile(p, []byte("garbage data that is long enough"), 0o644))

	ok, err := EnsureValidTile(p, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, statErr := os.Stat(p)
	assert.True(t, os.IsNotExist(statErr), "invalid tile should be deleted")
}

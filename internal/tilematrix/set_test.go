package tilematrix

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWebMercatorSet(t *testing.T) {
	s := BuildWebMercatorSet(3)
	require.Len(t, s.Matrices, 4)

	m0 := s.Matrices[0]
	assert.Equal(t, "0", m0.Identifier)
	assert.Equal(t, 1, m0.MatrixWidth)
	assert.InDelta(t, 559082264.0287178, m0.ScaleDenominator, 1e-4)

	m3 := s.Matrices[3]
	assert.Equal(t, 8, m3.MatrixWidth)
	assert.InDelta(t, 559082264.0287178/8, m3.ScaleDenominator, 1e-4)
}

func TestNormalizeKVPMatrix(t *testing.T) {
	assert.Equal(t, "5", NormalizeKVPMatrix("EPSG:3006:5"))
	assert.Equal(t, "5", NormalizeKVPMatrix("5"))
	assert.Equal(t, "7", NormalizeKVPMatrix("grid:sub:7"))
}

func TestRemapTile(t *testing.T) {
	s := BuildWebMercatorSet(10)

	t.Run("exact identifier", func(t *testing.T) {
		m, col, row, ok := s.RemapTile("4", 5, 6)
		require.True(t, ok)
		assert.Equal(t, 4, m.SourceLevel)
		assert.Equal(t, 5, col)
		assert.Equal(t, 6, row)
	})

	t.Run("crs-prefixed identifier", func(t *testing.T) {
		m, _, _, ok := s.RemapTile("EPSG:3857:5", 0, 0)
		require.True(t, ok)
		assert.Equal(t, 5, m.SourceLevel)
	})

	t.Run("nearest with upscale", func(t *testing.T) {
		m, col, row, ok := s.RemapTile("12", 8, 4)
		require.True(t, ok)
		assert.Equal(t, 10, m.SourceLevel)
		assert.Equal(t, 2, col)
		assert.Equal(t, 1, row)
	})

	t.Run("deterministic", func(t *testing.T) {
		m1, c1, r1, _ := s.RemapTile("12", 8, 4)
		m2, c2, r2, _ := s.RemapTile("12", 8, 4)
		assert.Equal(t, m1.Identifier, m2.Identifier)
		assert.Equal(t, c1, c2)
		assert.Equal(t, r1, r2)
	})

	t.Run("non-numeric unknown", func(t *testing.T) {
		_, _, _, ok := s.RemapTile("matrix-zero", 0, 0)
		assert.False(t, ok)
	})
}

func TestFlipRowTMS(t *testing.T) {
	s := BuildWebMercatorSet(3)
	m, _ := s.MatrixForZoom(3)
	assert.Equal(t, 7, m.FlipRowTMS(0))
	assert.Equal(t, 0, m.FlipRowTMS(7))
}

func TestTileBounds(t *testing.T) {
	s := BuildWebMercatorSet(0)
	b := s.Matrices[0].TileBounds(0, 0)
	assert.InDelta(t, -20037508.34, b[0], 1.0)
	assert.InDelta(t, -20037508.34, b[1], 1.0)
	assert.InDelta(t, 20037508.34, b[2], 1.0)
	assert.InDelta(t, 20037508.34, b[3], 1.0)
}

func TestMercatorTileBounds(t *testing.T) {
	b := MercatorTileBounds(0, 0, 0)
	assert.InDelta(t, -20037508.34, b[0], 100.0)
	assert.InDelta(t, 20037508.34, b[2], 100.0)
	assert.Less(t, b[0], b[2])
	assert.Less(t, b[1], b[3])

	// Quadrant check at z1: tile (1,0) is the north-east quarter.
	ne := MercatorTileBounds(1, 1, 0)
	assert.GreaterOrEqual(t, ne[0], -1.0)
	assert.GreaterOrEqual(t, ne[1], -1.0)
}

func TestNearestMatrixForResolution(t *testing.T) {
	s := BuildWebMercatorSet(18)
	m, ok := s.NearestMatrixForResolution(156543.03392804097 / 16)
	require.True(t, ok)
	assert.Equal(t, 4, m.SourceLevel)
}

func TestLoadPresets(t *testing.T) {
	dir := t.TempDir()
	preset := `{
		"id": "SWEREF99_TM",
		"supported_crs": ["EPSG:3006"],
		"tile_width": 256,
		"tile_height": 256,
		"axis_order": "xy",
		"top_left_corner": [-1200000, 8500000],
		"matrices": [
			{"identifier": "0", "z": 0, "resolution": 4096, "matrix_width": 1, "matrix_height": 1},
			{"identifier": "1", "z": 1, "resolution": 2048, "matrix_width": 2, "matrix_height": 2}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sweref99_tm.json"), []byte(preset), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))

	r, err := LoadPresets(dir, slog.Default())
	require.NoError(t, err)

	s, ok := r.Preset("SWEREF99_TM")
	require.True(t, ok)
	assert.Equal(t, [2]float64{-1200000, 8500000}, s.Matrices[0].TopLeftCorner)
	assert.False(t, math.IsNaN(s.Matrices[0].ScaleDenominator))
	assert.InDelta(t, 4096/0.00028, s.Matrices[0].ScaleDenominator, 1e-6)

	byCRS, ok := r.FirstForCRS("EPSG:3006")
	require.True(t, ok)
	assert.Equal(t, "SWEREF99_TM", byCRS.ID)

	_, ok = r.FirstForCRS("EPSG:9999")
	assert.False(t, ok)
}

func TestLoadPresetsMissingDir(t *testing.T) {
	r, err := LoadPresets(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Empty(t, r.IDs())
}

// Package tilematrix models WMTS tile matrix sets: on-disk presets, the
// canonical Web Mercator pyramid, and the matrix lookups the OGC endpoints
// translate requests with.
package tilematrix

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WebMercatorSetID identifies the built-in XYZ pyramid in EPSG:3857.
const WebMercatorSetID = "EPSG_3857"

// Top-of-pyramid constants for the canonical Web Mercator grid.
const (
	webMercatorExtent     = 20037508.342789244
	webMercatorScaleDenom = 559082264.0287178
	webMercatorResolution = 156543.03392804097
)

// Matrix is a single zoom level of a tile matrix set.
type Matrix struct {
	Identifier       string     `json:"identifier"`
	Z                int        `json:"z"`
	SourceLevel      int        `json:"source_level"`
	Resolution       float64    `json:"resolution"`
	ScaleDenominator float64    `json:"scale_denominator"`
	MatrixWidth      int        `json:"matrix_width"`
	MatrixHeight     int        `json:"matrix_height"`
	TileWidth        int        `json:"tileWidth"`
	TileHeight       int        `json:"tileHeight"`
	TopLeftCorner    [2]float64 `json:"topLeftCorner"`
}

// Set is a pyramid of matrices over one or more CRSes.
type Set struct {
	ID            string     `json:"id"`
	SupportedCRS  []string   `json:"supported_crs"`
	TileWidth     int        `json:"tile_width"`
	TileHeight    int        `json:"tile_height"`
	AxisOrder     string     `json:"axis_order"`
	TopLeftCorner [2]float64 `json:"top_left_corner"`
	Matrices      []Matrix   `json:"matrices"`
}

// Supports reports whether the set covers the given CRS.
func (s *Set) Supports(crs string) bool {
	for _, c := range s.SupportedCRS {
		if strings.EqualFold(c, crs) {
			return true
		}
	}
	return false
}

// CRS returns the primary CRS of the set.
func (s *Set) CRS() string {
	if len(s.SupportedCRS) > 0 {
		return s.SupportedCRS[0]
	}
	return ""
}

// MatrixByIdentifier finds a matrix by its identifier.
func (s *Set) MatrixByIdentifier(id string) (Matrix, bool) {
	for _, m := range s.Matrices {
		if m.Identifier == id {
			return m, true
		}
	}
	return Matrix{}, false
}

// MatrixForZoom finds the matrix whose source level equals z.
func (s *Set) MatrixForZoom(z int) (Matrix, bool) {
	for _, m := range s.Matrices {
		if m.SourceLevel == z {
			return m, true
		}
	}
	return Matrix{}, false
}

// NearestMatrixForZoom returns the matrix whose zoom is closest to z.
func (s *Set) NearestMatrixForZoom(z int) (Matrix, bool) {
	if len(s.Matrices) == 0 {
		return Matrix{}, false
	}
	best := s.Matrices[0]
	for _, m := range s.Matrices[1:] {
		if abs(m.SourceLevel-z) < abs(best.SourceLevel-z) {
			best = m
		}
	}
	return best, true
}

// NearestMatrixForResolution returns the matrix whose resolution is closest
// to res (used by WMS GetMap to pick a zoom for an arbitrary bbox).
func (s *Set) NearestMatrixForResolution(res float64) (Matrix, bool) {
	if len(s.Matrices) == 0 {
		return Matrix{}, false
	}
	best := s.Matrices[0]
	bestDiff := math.Abs(best.Resolution - res)
	for _, m := range s.Matrices[1:] {
		if d := math.Abs(m.Resolution - res); d < bestDiff {
			best, bestDiff = m, d
		}
	}
	return best, true
}

// TileBounds computes the bounding box of (col,row) in the matrix, in the
// set's CRS, as [minx, miny, maxx, maxy].
func (m Matrix) TileBounds(col, row int) [4]float64 {
	spanX := m.Resolution * float64(m.TileWidth)
	spanY := m.Resolution * float64(m.TileHeight)
	minx := m.TopLeftCorner[0] + float64(col)*spanX
	maxy := m.TopLeftCorner[1] - float64(row)*spanY
	return [4]float64{minx, maxy - spanY, minx + spanX, maxy}
}

// Contains reports whether (col,row) addresses a tile inside the matrix.
func (m Matrix) Contains(col, row int) bool {
	return col >= 0 && row >= 0 && col < m.MatrixWidth && row < m.MatrixHeight
}

// BuildWebMercatorSet constructs the canonical EPSG:3857 pyramid for zoom
// levels 0..maxZoom.
func BuildWebMercatorSet(maxZoom int) *Set {
	if maxZoom < 0 {
		maxZoom = 0
	}
	s := &Set{
		ID:            WebMercatorSetID,
		SupportedCRS:  []string{"EPSG:3857"},
		TileWidth:     256,
		TileHeight:    256,
		AxisOrder:     "xy",
		TopLeftCorner: [2]float64{-webMercatorExtent, webMercatorExtent},
	}
	for z := 0; z <= maxZoom; z++ {
		n := 1 << z
		s.Matrices = append(s.Matrices, Matrix{
			Identifier:       strconv.Itoa(z),
			Z:                z,
			SourceLevel:      z,
			Resolution:       webMercatorResolution / float64(int64(1)<<z),
			ScaleDenominator: webMercatorScaleDenom / float64(int64(1)<<z),
			MatrixWidth:      n,
			MatrixHeight:     n,
			TileWidth:        256,
			TileHeight:       256,
			TopLeftCorner:    [2]float64{-webMercatorExtent, webMercatorExtent},
		})
	}
	return s
}

// NormalizeKVPMatrix reduces a KVP TileMatrix value to its identifier: some
// clients prepend the CRS ("EPSG:3006:5" means matrix "5").
func NormalizeKVPMatrix(v string) string {
	if i := strings.LastIndex(v, ":"); i >= 0 {
		return v[i+1:]
	}
	return v
}

// RemapTile resolves a KVP tile address against the set. When the requested
// matrix is absent but numeric, the nearest matrix is chosen and col/row are
// rescaled by 2^(target-requested). The returned values are the effective
// matrix and indices; ok is false when the request cannot be mapped at all.
func (s *Set) RemapTile(requestedMatrix string, col, row int) (Matrix, int, int, bool) {
	id := NormalizeKVPMatrix(requestedMatrix)
	if m, ok := s.MatrixByIdentifier(id); ok {
		return m, col, row, true
	}
	z, err := strconv.Atoi(id)
	if err != nil {
		return Matrix{}, 0, 0, false
	}
	if m, ok := s.MatrixForZoom(z); ok {
		return m, col, row, true
	}
	m, ok := s.NearestMatrixForZoom(z)
	if !ok {
		return Matrix{}, 0, 0, false
	}
	delta := m.SourceLevel - z
	if delta >= 0 {
		return m, col << delta, row << delta, true
	}
	return m, col >> (-delta), row >> (-delta), true
}

// FlipRowTMS converts a TMS-origin row to the WMTS top-left origin.
func (m Matrix) FlipRowTMS(row int) int {
	return m.MatrixHeight - 1 - row
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Normalize fills derived fields after loading a preset from disk: unique
// identifiers, per-matrix tile sizes and origins inherited from the set,
// and topLeftCorner forced into (x,y) order.
func (s *Set) Normalize() error {
	if s.ID == "" {
		return fmt.Errorf("tile matrix set without id")
	}
	if s.TileWidth <= 0 {
		s.TileWidth = 256
	}
	if s.TileHeight <= 0 {
		s.TileHeight = 256
	}
	seen := make(map[string]bool, len(s.Matrices))
	for i := range s.Matrices {
		m := &s.Matrices[i]
		if m.Identifier == "" {
			m.Identifier = strconv.Itoa(m.Z)
		}
		for seen[m.Identifier] {
			m.Identifier += "_"
		}
		seen[m.Identifier] = true
		if m.SourceLevel == 0 && m.Z != 0 {
			m.SourceLevel = m.Z
		}
		if m.TileWidth <= 0 {
			m.TileWidth = s.TileWidth
		}
		if m.TileHeight <= 0 {
			m.TileHeight = s.TileHeight
		}
		if m.TopLeftCorner == [2]float64{} {
			m.TopLeftCorner = s.TopLeftCorner
		}
		if strings.EqualFold(s.AxisOrder, "yx") {
			m.TopLeftCorner[0], m.TopLeftCorner[1] = m.TopLeftCorner[1], m.TopLeftCorner[0]
		}
		if m.ScaleDenominator == 0 && m.Resolution > 0 {
			// OGC standardized rendering pixel size: 0.28 mm.
			m.ScaleDenominator = m.Resolution / 0.00028
		}
		if m.Resolution == 0 && m.ScaleDenominator > 0 {
			m.Resolution = m.ScaleDenominator * 0.00028
		}
	}
	if strings.EqualFold(s.AxisOrder, "yx") {
		s.TopLeftCorner[0], s.TopLeftCorner[1] = s.TopLeftCorner[1], s.TopLeftCorner[0]
		s.AxisOrder = "xy"
	}
	return nil
}

package tilematrix

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const earthRadius = 6378137.0

// MercatorTileBounds returns the EPSG:3857 bounding box of an XYZ tile as
// [minx, miny, maxx, maxy] in meters. This is the fallback grid for layers
// without a configured tile matrix set.
func MercatorTileBounds(z, x, y int) [4]float64 {
	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	bound := tile.Bound()

	minx, miny := lonLatToMercator(bound.Min.Lon(), bound.Min.Lat())
	maxx, maxy := lonLatToMercator(bound.Max.Lon(), bound.Max.Lat())
	return [4]float64{minx, miny, maxx, maxy}
}

// MercatorToWgs84 converts an EPSG:3857 bbox to WGS84 [minLon, minLat,
// maxLon, maxLat].
func MercatorToWgs84(bbox [4]float64) [4]float64 {
	minLon, minLat := mercatorToLonLat(bbox[0], bbox[1])
	maxLon, maxLat := mercatorToLonLat(bbox[2], bbox[3])
	return [4]float64{minLon, minLat, maxLon, maxLat}
}

// TileAtPoint returns the XYZ tile containing the WGS84 point at zoom z.
func TileAtPoint(lon, lat float64, z int) (x, y int) {
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(z))
	return int(t.X), int(t.Y)
}

func lonLatToMercator(lon, lat float64) (float64, float64) {
	x := earthRadius * lon * math.Pi / 180.0
	latRad := lat * math.Pi / 180.0
	y := earthRadius * math.Log(math.Tan(math.Pi/4.0+latRad/2.0))
	return x, y
}

func mercatorToLonLat(x, y float64) (float64, float64) {
	lon := (x / earthRadius) * 180.0 / math.Pi
	lat := (math.Atan(math.Exp(y/earthRadius)) - math.Pi/4.0) * 2.0 * 180.0 / math.Pi
	return lon, lat
}

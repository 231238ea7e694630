// Package mercator converts WGS84 coordinates to the 32-bit integer Web
// Mercator space used inside tiles, and maps that space onto the tile grid.
package mercator

import "math"

const (
	// MaxLat is the northern limit of Web Mercator (approximately 85.0511°).
	MaxLat = 85.0511287798
	MinLat = -MaxLat

	extent = 1 << 31
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toInt32(v float64) int32 {
	v = math.Round(v)
	if v >= math.MaxInt32 {
		return math.MaxInt32
	}
	if v <= math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// XFromLon maps a longitude onto the full int32 range.
func XFromLon(lon float64) int32 {
	lon = clamp(lon, -180, 180)
	return toInt32(lon * extent / 180.0)
}

// YFromLat maps a latitude onto the full int32 range using the Mercator
// projection; y grows northward.
func YFromLat(lat float64) int32 {
	lat = clamp(lat, MinLat, MaxLat)
	latRad := lat * math.Pi / 180.0
	y := math.Log(math.Tan(math.Pi/4.0 + latRad/2.0))
	return toInt32(y * extent / math.Pi)
}

// LonFromX is the inverse of XFromLon.
func LonFromX(x int32) float64 {
	return float64(x) * 180.0 / extent
}

// LatFromY is the inverse of YFromLat.
func LatFromY(y int32) float64 {
	m := float64(y) * math.Pi / extent
	return (2*math.Atan(math.Exp(m)) - math.Pi/2) * 180.0 / math.Pi
}

// ColumnFromX returns the tile column containing x at the given zoom.
func ColumnFromX(x int32, zoom int) int {
	return int((int64(x) + extent) >> (32 - zoom))
}

// RowFromY returns the tile row containing y at the given zoom. Row 0 is
// the northernmost row.
func RowFromY(y int32, zoom int) int {
	return int((extent - 1 - int64(y)) >> (32 - zoom))
}

// Package tile maps slippy-map tile coordinates to geographic bounding
// boxes and turns decoded snow-depth samples into RGBA map tiles.
package tile

import (
	"math"
)

// Size is the standard dimension for web map tiles.
const Size = 256

// Valid reports whether (x, y, z) addresses an existing slippy-map tile.
func Valid(x, y, z int) bool {
	if z < 0 || z > 30 {
		return false
	}
	n := 1 << z
	return x >= 0 && x < n && y >= 0 && y < n
}

// Bounds converts XYZ tile coordinates to a geographic bounding box in
// EPSG:4326. Longitude is linear in x; latitude is the inverse Gudermannian
// of the mercator y fraction. Results are meaningless for inputs outside the
// range accepted by Valid; callers must check first.
func Bounds(x, y, z int) (west, south, east, north float64) {
	n := float64(int(1) << z)
	west = float64(x)/n*360 - 180
	east = float64(x+1)/n*360 - 180
	north = tileLat(float64(y), n)
	south = tileLat(float64(y+1), n)
	return west, south, east, north
}

func tileLat(y, n float64) float64 {
	rad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/n)))
	return rad * 180 / math.Pi
}

package cog

import (
	"fmt"
	"math"
)

// BBox is a geographic bounding box in EPSG:4326.
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Contains reports whether the point lies inside the box, edges included.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// Intersects reports whether the two boxes overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.West < o.East && b.East > o.West && b.South < o.North && b.North > o.South
}

// clip returns the intersection of the two boxes. Only valid when they
// intersect.
func (b BBox) clip(o BBox) BBox {
	return BBox{
		West:  math.Max(b.West, o.West),
		South: math.Max(b.South, o.South),
		East:  math.Min(b.East, o.East),
		North: math.Min(b.North, o.North),
	}
}

func (b BBox) String() string {
	return fmt.Sprintf("[%f %f %f %f]", b.West, b.South, b.East, b.North)
}

// Window describes where a decoded source window lands on the output
// canvas. The source window is expressed in raster pixels, half-open on the
// high edges; the destination rectangle is in canvas pixels.
type Window struct {
	SrcX0, SrcY0 int
	SrcX1, SrcY1 int

	DestX, DestY          int
	DestWidth, DestHeight int
}

// Empty reports whether the window produces no output.
func (w Window) Empty() bool { return w.DestWidth <= 0 || w.DestHeight <= 0 }

// computeWindow maps a requested geographic box onto a raster. The source
// window is rounded outward (floor on the low edge, ceil on the high edge)
// so the same raster pixels are selected regardless of which side of a tile
// boundary a request comes from; inconsistent rounding here shows up as
// seams between adjacent tiles. Returns a zero Window when the request does
// not intersect the raster or the clamped window is degenerate.
func computeWindow(req, img BBox, width, height int, resX, resY float64, outSize int) Window {
	if !req.Intersects(img) {
		return Window{}
	}
	clipped := req.clip(img)

	srcX0 := int(math.Floor((clipped.West - img.West) / resX))
	srcX1 := int(math.Ceil((clipped.East - img.West) / resX))
	srcY0 := int(math.Floor((img.North - clipped.North) / resY))
	srcY1 := int(math.Ceil((img.North - clipped.South) / resY))

	srcX0 = clampInt(srcX0, 0, width)
	srcX1 = clampInt(srcX1, 0, width)
	srcY0 = clampInt(srcY0, 0, height)
	srcY1 = clampInt(srcY1, 0, height)
	if srcX1 <= srcX0 || srcY1 <= srcY0 {
		return Window{}
	}

	// Destination placement is proportional to how much of the request the
	// clipped box covers.
	reqW := req.East - req.West
	reqH := req.North - req.South
	destX0 := int(math.Round((clipped.West - req.West) / reqW * float64(outSize)))
	destX1 := int(math.Round((clipped.East - req.West) / reqW * float64(outSize)))
	destY0 := int(math.Round((req.North - clipped.North) / reqH * float64(outSize)))
	destY1 := int(math.Round((req.North - clipped.South) / reqH * float64(outSize)))

	destX0 = clampInt(destX0, 0, outSize)
	destX1 = clampInt(destX1, 0, outSize)
	destY0 = clampInt(destY0, 0, outSize)
	destY1 = clampInt(destY1, 0, outSize)

	w := Window{
		SrcX0: srcX0, SrcY0: srcY0,
		SrcX1: srcX1, SrcY1: srcY1,
		DestX: destX0, DestY: destY0,
		DestWidth: destX1 - destX0, DestHeight: destY1 - destY0,
	}
	if w.Empty() {
		return Window{}
	}
	return w
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ReadWindow decodes the part of the raster covered by bbox, resampled to
// its destination rectangle on an outSize×outSize canvas with nearest
// neighbor. A request that misses the raster entirely returns an empty
// window and no samples, which is not an error. Samples are row-major over
// the destination rectangle.
func (g *GeoTIFF) ReadWindow(bbox BBox, outSize int) (Window, []int16, error) {
	win := computeWindow(bbox, g.bounds, g.Width(), g.Height(), g.ResX, g.ResY, outSize)
	if win.Empty() {
		return Window{}, nil, nil
	}

	srcW := win.SrcX1 - win.SrcX0
	srcH := win.SrcY1 - win.SrcY0
	samples := make([]int16, win.DestWidth*win.DestHeight)

	for j := 0; j < win.DestHeight; j++ {
		srcY := win.SrcY0 + int((float64(j)+0.5)*float64(srcH)/float64(win.DestHeight))
		if srcY >= win.SrcY1 {
			srcY = win.SrcY1 - 1
		}
		for i := 0; i < win.DestWidth; i++ {
			srcX := win.SrcX0 + int((float64(i)+0.5)*float64(srcW)/float64(win.DestWidth))
			if srcX >= win.SrcX1 {
				srcX = win.SrcX1 - 1
			}
			v, err := g.loc(srcX, srcY)
			if err != nil {
				return Window{}, nil, err
			}
			samples[j*win.DestWidth+i] = v
		}
	}
	return win, samples, nil
}

package tile

import (
	"image"
	"image/png"
	"io"

	"github.com/snowviz/snodasapi/cog"
)

// Compose fills a size×size RGBA buffer from a decoded raster window. The
// buffer starts fully transparent; an empty window is returned as-is, which
// is a valid tile (the request fell outside the dataset). Samples map 1:1
// onto the destination rectangle, row-major.
func Compose(win cog.Window, samples []int16, size int) []byte {
	buf := make([]byte, size*size*4)
	if win.Empty() || len(samples) == 0 {
		return buf
	}
	for j := 0; j < win.DestHeight; j++ {
		for i := 0; i < win.DestWidth; i++ {
			c := Classify(samples[j*win.DestWidth+i])
			if c.A == 0 {
				continue
			}
			off := ((win.DestY+j)*size + win.DestX + i) * 4
			buf[off] = c.R
			buf[off+1] = c.G
			buf[off+2] = c.B
			buf[off+3] = c.A
		}
	}
	return buf
}

// EncodePNG writes the RGBA buffer as a PNG image of the given square size.
func EncodePNG(w io.Writer, rgba []byte, size int) error {
	img := &image.NRGBA{
		Pix:    rgba,
		Stride: size * 4,
		Rect:   image.Rect(0, 0, size, size),
	}
	return png.Encode(w, img)
}

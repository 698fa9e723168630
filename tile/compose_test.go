package tile

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/snowviz/snodasapi/cog"
)

func TestComposeEmptyWindow(t *testing.T) {
	buf := Compose(cog.Window{}, nil, Size)

	if len(buf) != Size*Size*4 {
		t.Fatalf("buffer is %d bytes, want %d", len(buf), Size*Size*4)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want a fully transparent tile", i, b)
		}
	}
}

func TestComposePlacement(t *testing.T) {
	win := cog.Window{
		DestX: 10, DestY: 20,
		DestWidth: 2, DestHeight: 2,
	}
	// 254mm = 10in, NoData and 0 stay transparent, 508mm = 20in.
	samples := []int16{254, 0, NoData, 508}

	buf := Compose(win, samples, Size)

	pixel := func(x, y int) [4]byte {
		off := (y*Size + x) * 4
		return [4]byte{buf[off], buf[off+1], buf[off+2], buf[off+3]}
	}

	c := Classify(254)
	if got := pixel(10, 20); got != [4]byte{c.R, c.G, c.B, c.A} {
		t.Errorf("pixel (10, 20) = %v, want %+v", got, c)
	}
	if got := pixel(11, 20); got != ([4]byte{}) {
		t.Errorf("pixel (11, 20) = %v, want transparent for zero depth", got)
	}
	if got := pixel(10, 21); got != ([4]byte{}) {
		t.Errorf("pixel (10, 21) = %v, want transparent for nodata", got)
	}
	c = Classify(508)
	if got := pixel(11, 21); got != [4]byte{c.R, c.G, c.B, c.A} {
		t.Errorf("pixel (11, 21) = %v, want %+v", got, c)
	}

	// Nothing outside the destination rectangle may be touched.
	if got := pixel(9, 20); got != ([4]byte{}) {
		t.Errorf("pixel (9, 20) = %v, want untouched", got)
	}
	if got := pixel(12, 22); got != ([4]byte{}) {
		t.Errorf("pixel (12, 22) = %v, want untouched", got)
	}
}

func TestEncodePNG(t *testing.T) {
	win := cog.Window{DestWidth: 1, DestHeight: 1}
	buf := Compose(win, []int16{254}, Size)

	var out bytes.Buffer
	if err := EncodePNG(&out, buf, Size); err != nil {
		t.Fatalf("EncodePNG returned an unexpected error: %v", err)
	}

	img, err := png.Decode(&out)
	if err != nil {
		t.Fatalf("failed to decode the encoded tile: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != Size || b.Dy() != Size {
		t.Errorf("decoded tile is %dx%d, want %dx%d", b.Dx(), b.Dy(), Size, Size)
	}
}

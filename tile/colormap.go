package tile

import "image/color"

const (
	// NoData is the sentinel the SNODAS masked grids carry for cells
	// outside the model domain.
	NoData = -9999

	mmPerInch = 25.4
)

// depthBucket is one entry of the fixed snow-depth color ramp. MaxInches is
// the exclusive upper edge of the bucket; the last bucket is open-ended.
type depthBucket struct {
	maxInches float64
	color     color.NRGBA
}

// palette is ordered by depth. Alpha grows with depth so thin cover stays
// see-through on the map while deep pack reads as solid.
var palette = [11]depthBucket{
	{1, color.NRGBA{R: 0xE1, G: 0xF0, B: 0xFA, A: 0x7F}},
	{3, color.NRGBA{R: 0xBD, G: 0xD9, B: 0xF2, A: 0x8C}},
	{6, color.NRGBA{R: 0x9A, G: 0xC0, B: 0xE8, A: 0x99}},
	{12, color.NRGBA{R: 0x73, G: 0xA3, B: 0xDB, A: 0xA6}},
	{18, color.NRGBA{R: 0x4F, G: 0x83, B: 0xCC, A: 0xB2}},
	{24, color.NRGBA{R: 0x37, G: 0x65, B: 0xBA, A: 0xBF}},
	{36, color.NRGBA{R: 0x2D, G: 0x47, B: 0xA3, A: 0xCC}},
	{48, color.NRGBA{R: 0x31, G: 0x2E, B: 0x8C, A: 0xD8}},
	{96, color.NRGBA{R: 0x45, G: 0x20, B: 0x75, A: 0xE5}},
	{180, color.NRGBA{R: 0x55, G: 0x16, B: 0x60, A: 0xF2}},
	{0, color.NRGBA{R: 0x63, G: 0x0D, B: 0x4F, A: 0xFF}}, // 180in and up
}

// Classify maps a raw millimeter cell value to its display color. Nodata and
// non-positive values are fully transparent. Positive values are converted
// to inches and looked up in the fixed bucket table; no interpolation.
func Classify(raw int16) color.NRGBA {
	if raw <= 0 || raw == NoData {
		return color.NRGBA{}
	}
	inches := float64(raw) / mmPerInch
	for i := 0; i < len(palette)-1; i++ {
		if inches < palette[i].maxInches {
			return palette[i].color
		}
	}
	return palette[len(palette)-1].color
}

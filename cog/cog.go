// Package cog reads single-date SNODAS snow-depth rasters stored as Cloud
// Optimized GeoTIFFs. Only the pixel windows a request touches are fetched
// from the backing store; decompressed tiles are kept in a bounded LRU so
// adjacent map-tile requests share work.
package cog

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

// ErrOutsideBounds is returned for coordinates that do not fall inside the
// raster extent. It is an expected condition, not a failure.
var ErrOutsideBounds = errors.New("point outside raster bounds")

// DefaultNoData is assumed when the raster carries no GDALNoData tag.
const DefaultNoData = -9999

// tileTTL bounds how long a decoded tile may be served from cache.
const tileTTL = 10 * time.Minute

// Tag is a TIFF tag identifier.
type Tag uint16

func (t Tag) String() string {
	if v, ok := tagToLabel[t]; ok {
		return v
	}
	return strconv.Itoa(int(t))
}

// head holds the parsed TIFF file header.
type head struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	ifdOffset uint64
}

// ifdEntry is a single Image File Directory entry.
type ifdEntry struct {
	Tag         Tag
	FType       fieldType
	Count       uint64
	ValueOffset uint64
	ValueBytes  []byte // inline value data when it fits in the offset field
}

// tagData holds a decoded tag value in its native representation.
type tagData struct {
	fType      fieldType
	asciiData  string
	shortData  []uint16
	longData   []uint32
	doubleData []float64
	uint64Data []uint64
}

// Tags maps tag identifiers to their decoded values.
type Tags map[Tag]tagData

func (f fieldType) bytes() uint32 {
	if f == 0 || int(f) >= len(fieldTypeLen) {
		return zeroByte
	}
	return fieldTypeLen[int(f)]
}

var fieldTypeLen = [...]uint32{
	zeroByte, oneByte, oneByte, twoByte,
	fourByte, eightByte, oneByte, oneByte,
	twoByte, fourByte, eightByte, fourByte,
	eightByte,
	0, 0, 0,
	eightByte, eightByte, eightByte,
}

// GeoTIFF is an opened, lazily paged view over one date's raster. It holds
// the geotransform, the tile index, and a cache of decoded tiles. Values are
// signed 16-bit millimeters.
type GeoTIFF struct {
	reader    io.ReadSeeker
	byteOrder binary.ByteOrder
	isBigTIFF bool
	tags      Tags

	imageWidth  uint32
	imageLength uint32
	tileWidth   uint32
	tileLength  uint32
	tilesAcross int

	tileOffsets    []uint64
	tileByteCounts []uint64

	compression uint16
	predictor   uint16

	// ResX and ResY are the per-axis geographic resolution in degrees per
	// pixel. ResY is positive; the image is north-up.
	ResX float64
	ResY float64

	bounds BBox
	noData int16

	tileCache *ccache.Cache[[]int16]
	inflight  singleflight.Group
}

// Open parses the COG header and IFD from r and returns a handle ready for
// windowed reads. Only the first IFD (the full-resolution image) is read;
// overview IFDs are ignored. cacheSize and itemsToPrune configure the
// decoded-tile LRU.
func Open(r io.ReadSeeker, cacheSize int64, itemsToPrune uint32) (*GeoTIFF, error) {
	tags, h, err := readTags(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	g := &GeoTIFF{
		reader:    r,
		byteOrder: h.byteOrder,
		isBigTIFF: h.isBigTIFF,
		tags:      tags,
		noData:    DefaultNoData,
		tileCache: ccache.New(ccache.Configure[[]int16]().MaxSize(cacheSize).ItemsToPrune(itemsToPrune)),
	}

	if w, ok := g.uintTag(ImageWidth); ok {
		g.imageWidth = uint32(w)
	} else {
		return nil, errors.New("missing or invalid tag: ImageWidth")
	}
	if l, ok := g.uintTag(ImageLength); ok {
		g.imageLength = uint32(l)
	} else {
		return nil, errors.New("missing or invalid tag: ImageLength")
	}
	if tw, ok := g.uintTag(TileWidth); ok {
		g.tileWidth = uint32(tw)
	} else {
		return nil, errors.New("missing or invalid tag: TileWidth")
	}
	if tl, ok := g.uintTag(TileLength); ok {
		g.tileLength = uint32(tl)
	} else {
		return nil, errors.New("missing or invalid tag: TileLength")
	}
	g.tilesAcross = int(g.imageWidth+g.tileWidth-1) / int(g.tileWidth)

	// SNODAS grids are int16 single-band; reject anything else early
	// rather than silently misreading sample bytes.
	if bps, ok := g.uintTag(BitsPerSample); ok && bps != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", bps)
	}
	if sf, ok := g.uintTag(SampleFormat); ok && uint16(sf) != SampleFormatInt {
		return nil, fmt.Errorf("unsupported sample format: %d", sf)
	}

	if comp, ok := g.uintTag(Compression); ok {
		g.compression = uint16(comp)
	} else {
		g.compression = Uncompressed
	}
	if pred, ok := g.uintTag(Predictor); ok {
		g.predictor = uint16(pred)
	} else {
		g.predictor = PredictorNone
	}

	if offsets, ok := g.uint64SliceTag(TileOffsets); ok {
		g.tileOffsets = offsets
	} else {
		return nil, errors.New("missing or invalid tag: TileOffsets")
	}
	if counts, ok := g.uint64SliceTag(TileByteCounts); ok {
		g.tileByteCounts = counts
	} else {
		return nil, errors.New("missing or invalid tag: TileByteCounts")
	}

	if nd, ok := tags[GDALNoData]; ok && nd.fType == ASCII {
		if v, err := strconv.Atoi(strings.TrimSpace(nd.asciiData)); err == nil {
			g.noData = int16(v)
		}
	}

	if err := g.resolveGeoTransform(); err != nil {
		return nil, err
	}
	return g, nil
}

// resolveGeoTransform derives the pixel resolution and geographic bounds
// from the ModelPixelScale and ModelTiepoint tags.
func (g *GeoTIFF) resolveGeoTransform() error {
	scale, ok := g.tags[ModelPixelScale]
	if !ok || scale.fType != DOUBLE || len(scale.doubleData) < 2 {
		return errors.New("missing or invalid tag: ModelPixelScale")
	}
	g.ResX = scale.doubleData[0]
	g.ResY = math.Abs(scale.doubleData[1])
	if g.ResX <= 0 || g.ResY <= 0 {
		return errors.New("degenerate pixel scale")
	}

	tie, ok := g.tags[ModelTiepoint]
	if !ok || tie.fType != DOUBLE || len(tie.doubleData) < 6 {
		return errors.New("missing or invalid tag: ModelTiepoint")
	}
	// Tiepoint maps raster position (i, j) to geographic (lon, lat).
	ulLon := tie.doubleData[3] - tie.doubleData[0]*g.ResX
	ulLat := tie.doubleData[4] + tie.doubleData[1]*g.ResY

	g.bounds = BBox{
		West:  ulLon,
		North: ulLat,
		East:  ulLon + float64(g.imageWidth)*g.ResX,
		South: ulLat - float64(g.imageLength)*g.ResY,
	}
	return nil
}

// Bounds returns the geographic extent of the raster.
func (g *GeoTIFF) Bounds() BBox { return g.bounds }

// Width returns the raster width in pixels.
func (g *GeoTIFF) Width() int { return int(g.imageWidth) }

// Height returns the raster height in pixels.
func (g *GeoTIFF) Height() int { return int(g.imageLength) }

// NoData returns the raster's nodata sentinel.
func (g *GeoTIFF) NoData() int16 { return g.noData }

// AtCoord returns the raw cell value at the given geographic coordinate, or
// ErrOutsideBounds when the point falls outside the raster extent.
func (g *GeoTIFF) AtCoord(lon, lat float64) (int16, error) {
	if !g.bounds.Contains(lon, lat) {
		return 0, fmt.Errorf("%w: (%f, %f)", ErrOutsideBounds, lon, lat)
	}
	x := int((lon - g.bounds.West) / g.ResX)
	y := int((g.bounds.North - lat) / g.ResY)
	// Points exactly on the east or south edge land one past the grid.
	if x == int(g.imageWidth) {
		x--
	}
	if y == int(g.imageLength) {
		y--
	}
	return g.loc(x, y)
}

// loc returns the raw value at pixel (x, y).
func (g *GeoTIFF) loc(x, y int) (int16, error) {
	if x < 0 || x >= int(g.imageWidth) || y < 0 || y >= int(g.imageLength) {
		return 0, fmt.Errorf("pixel (%d, %d) outside image", x, y)
	}

	tileX := x / int(g.tileWidth)
	tileY := y / int(g.tileLength)
	tileNum := g.tilesAcross*tileY + tileX

	data, err := g.tile(tileNum)
	if err != nil {
		return 0, fmt.Errorf("failed to get data for tile %d: %w", tileNum, err)
	}

	idx := (y%int(g.tileLength))*int(g.tileWidth) + x%int(g.tileWidth)
	if idx >= len(data) {
		return 0, fmt.Errorf("pixel index %d out of tile bounds (%d)", idx, len(data))
	}
	return data[idx], nil
}

// tile returns the decoded samples for tileNum, populating the LRU on first
// use. Concurrent requests for the same tile coalesce through singleflight
// so a burst of map-tile requests does not storm the object store.
func (g *GeoTIFF) tile(tileNum int) ([]int16, error) {
	key := strconv.Itoa(tileNum)
	if item := g.tileCache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := g.inflight.Do(key, func() (interface{}, error) {
		raw, err := g.fetchAndDecompressTile(tileNum)
		if err != nil {
			return nil, err
		}

		samples := make([]int16, len(raw)/2)
		for i := range samples {
			samples[i] = int16(g.byteOrder.Uint16(raw[2*i:]))
		}
		if g.predictor == PredictorHorizontal {
			undoHorizontalPredictionInt16(samples, g.tileWidth, g.tileLength)
		}

		g.tileCache.Set(key, samples, tileTTL)
		return samples, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]int16), nil
}

// fetchAndDecompressTile reads one tile's compressed bytes and inflates them.
func (g *GeoTIFF) fetchAndDecompressTile(tileNum int) ([]byte, error) {
	if tileNum < 0 || tileNum >= len(g.tileOffsets) || tileNum >= len(g.tileByteCounts) {
		return nil, fmt.Errorf("tile index %d out of bounds", tileNum)
	}

	readerAt, ok := g.reader.(io.ReaderAt)
	if !ok {
		return nil, errors.New("reader does not support ReadAt for tile fetching")
	}

	tileBytes := make([]byte, g.tileByteCounts[tileNum])
	if _, err := readerAt.ReadAt(tileBytes, int64(g.tileOffsets[tileNum])); err != nil {
		return nil, fmt.Errorf("failed to read tile %d from source: %w", tileNum, err)
	}

	switch g.compression {
	case Uncompressed:
		return tileBytes, nil
	case DEFLATE:
		z, err := zlib.NewReader(bytes.NewReader(tileBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create zlib reader for tile: %w", err)
		}
		defer z.Close()
		out, err := io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress tile data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", g.compression)
	}
}

// undoHorizontalPredictionInt16 reverses the horizontal differencing
// predictor in place after decompression.
func undoHorizontalPredictionInt16(data []int16, tileWidth, tileHeight uint32) {
	if tileWidth == 0 || tileHeight == 0 {
		return
	}
	for y := 0; y < int(tileHeight); y++ {
		row := y * int(tileWidth)
		if row+int(tileWidth) > len(data) {
			break
		}
		for x := 1; x < int(tileWidth); x++ {
			data[row+x] += data[row+x-1]
		}
	}
}

func (g *GeoTIFF) uintTag(tag Tag) (uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return 0, false
	}
	switch {
	case t.fType == SHORT && len(t.shortData) > 0:
		return uint64(t.shortData[0]), true
	case t.fType == LONG && len(t.longData) > 0:
		return uint64(t.longData[0]), true
	}
	return 0, false
}

func (g *GeoTIFF) uint64SliceTag(tag Tag) ([]uint64, bool) {
	t, ok := g.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case LONG8, IFD8:
		return t.uint64Data, true
	case LONG:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}

// readHeader parses the TIFF header to determine byte order, format, and
// the offset of the first IFD.
func readHeader(r io.Reader) (head, error) {
	var h head

	var orderMagic uint16
	if err := binary.Read(r, binary.BigEndian, &orderMagic); err != nil {
		return h, err
	}
	switch orderMagic {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}
	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readTags reads the first IFD only. For a COG that is the full-resolution
// image; subsequent IFDs are overviews we never need.
func readTags(r io.ReadSeeker) (Tags, head, error) {
	tags := make(Tags)
	h, err := readHeader(r)
	if err != nil {
		return nil, h, err
	}
	if h.ifdOffset == 0 {
		return nil, h, errors.New("file contains no IFDs")
	}
	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, h, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, h, err
		}
	} else {
		var n16 uint16
		if err := binary.Read(r, h.byteOrder, &n16); err != nil {
			return nil, h, err
		}
		numEntries = uint64(n16)
	}

	entryLen := 12
	if h.isBigTIFF {
		entryLen = 20
	}
	block := make([]byte, entryLen*int(numEntries))
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, h, fmt.Errorf("failed to read IFD block: %w", err)
	}
	ifdReader := bytes.NewReader(block)

	for i := uint64(0); i < numEntries; i++ {
		var entry ifdEntry
		var tag, ftype uint16
		binary.Read(ifdReader, h.byteOrder, &tag)
		binary.Read(ifdReader, h.byteOrder, &ftype)
		entry.Tag = Tag(tag)
		entry.FType = fieldType(ftype)
		if entry.FType.bytes() == 0 {
			// Unknown field type, skip the rest of this entry.
			ifdReader.Seek(int64(entryLen-4), io.SeekCurrent)
			continue
		}

		offsetBytes := make([]byte, 8)
		if h.isBigTIFF {
			binary.Read(ifdReader, h.byteOrder, &entry.Count)
			ifdReader.Read(offsetBytes)
			entry.ValueOffset = h.byteOrder.Uint64(offsetBytes)
		} else {
			var count32, offset32 uint32
			binary.Read(ifdReader, h.byteOrder, &count32)
			binary.Read(ifdReader, h.byteOrder, &offset32)
			entry.Count = uint64(count32)
			entry.ValueOffset = uint64(offset32)
			h.byteOrder.PutUint32(offsetBytes, offset32)
		}

		inlineSize := uint64(4)
		if h.isBigTIFF {
			inlineSize = 8
		}
		if total := uint64(entry.FType.bytes()) * entry.Count; total <= inlineSize {
			entry.ValueBytes = offsetBytes[:total]
		}

		td, err := entry.value(r, h.byteOrder)
		if err != nil {
			return nil, h, err
		}
		if td != nil {
			tags[entry.Tag] = *td
		}
	}
	return tags, h, nil
}

// value decodes an IFD entry's payload, seeking to its offset when the data
// does not fit inline.
func (e *ifdEntry) value(r io.ReadSeeker, byteOrder binary.ByteOrder) (*tagData, error) {
	t := tagData{fType: e.FType}

	var reader io.Reader
	if len(e.ValueBytes) > 0 {
		reader = bytes.NewReader(e.ValueBytes)
	} else {
		readerAt, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("reader does not implement io.ReaderAt")
		}
		reader = io.NewSectionReader(readerAt, int64(e.ValueOffset), int64(e.FType.bytes())*int64(e.Count))
	}

	switch e.FType {
	case ASCII:
		p := make([]uint8, e.Count)
		if err := binary.Read(reader, byteOrder, p); err != nil {
			return nil, err
		}
		t.asciiData = string(bytes.Trim(p, "\x00"))
	case SHORT:
		t.shortData = make([]uint16, e.Count)
		if err := binary.Read(reader, byteOrder, &t.shortData); err != nil {
			return nil, err
		}
	case LONG:
		t.longData = make([]uint32, e.Count)
		if err := binary.Read(reader, byteOrder, &t.longData); err != nil {
			return nil, err
		}
	case DOUBLE:
		t.doubleData = make([]float64, e.Count)
		if err := binary.Read(reader, byteOrder, &t.doubleData); err != nil {
			return nil, err
		}
	case LONG8, IFD8:
		t.uint64Data = make([]uint64, e.Count)
		if err := binary.Read(reader, byteOrder, &t.uint64Data); err != nil {
			return nil, err
		}
	default:
		// Types the reader has no use for (RATIONAL, FLOAT, ...) are
		// skipped rather than rejected.
		return nil, nil
	}
	return &t, nil
}

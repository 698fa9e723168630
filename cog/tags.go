package cog

// fieldType is the TIFF data type of an IFD entry value.
type fieldType uint16

// TIFF field types. LONG8 and IFD8 only appear in BigTIFF files.
const (
	BYTE      fieldType = 1
	ASCII     fieldType = 2
	SHORT     fieldType = 3
	LONG      fieldType = 4
	RATIONAL  fieldType = 5
	SBYTE     fieldType = 6
	UNDEFINED fieldType = 7
	SSHORT    fieldType = 8
	SLONG     fieldType = 9
	SRATIONAL fieldType = 10
	FLOAT     fieldType = 11
	DOUBLE    fieldType = 12
	LONG8     fieldType = 16
	SLONG8    fieldType = 17
	IFD8      fieldType = 18
)

// Field type sizes in bytes.
const (
	zeroByte  = 0
	oneByte   = 1
	twoByte   = 2
	fourByte  = 4
	eightByte = 8
)

// TIFF header magic values.
const (
	littleEndian      = 0x4949
	bigEndian         = 0x4D4D
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

// Tags we care about when reading a COG. Geo keys come from the GeoTIFF
// extension; GDALNoData is GDAL's ASCII nodata convention.
const (
	ImageWidth      Tag = 256
	ImageLength     Tag = 257
	BitsPerSample   Tag = 258
	Compression     Tag = 259
	SamplesPerPixel Tag = 277
	Predictor       Tag = 317
	TileWidth       Tag = 322
	TileLength      Tag = 323
	TileOffsets     Tag = 324
	TileByteCounts  Tag = 325
	SampleFormat    Tag = 339
	ModelPixelScale Tag = 33550
	ModelTiepoint   Tag = 33922
	GeoKeyDirectory Tag = 34735
	GDALNoData      Tag = 42113
)

var tagToLabel = map[Tag]string{
	ImageWidth:      "ImageWidth",
	ImageLength:     "ImageLength",
	BitsPerSample:   "BitsPerSample",
	Compression:     "Compression",
	SamplesPerPixel: "SamplesPerPixel",
	Predictor:       "Predictor",
	TileWidth:       "TileWidth",
	TileLength:      "TileLength",
	TileOffsets:     "TileOffsets",
	TileByteCounts:  "TileByteCounts",
	SampleFormat:    "SampleFormat",
	ModelPixelScale: "ModelPixelScale",
	ModelTiepoint:   "ModelTiepoint",
	GeoKeyDirectory: "GeoKeyDirectory",
	GDALNoData:      "GDALNoData",
}

// Compression schemes supported by the reader.
const (
	Uncompressed uint16 = 1
	DEFLATE      uint16 = 8
)

// Predictor values.
const (
	PredictorNone       uint16 = 1
	PredictorHorizontal uint16 = 2
)

// SampleFormat values.
const (
	SampleFormatUint  uint16 = 1
	SampleFormatInt   uint16 = 2
	SampleFormatFloat uint16 = 3
)

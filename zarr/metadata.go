// Package zarr reads the chunked snow-depth time-series array the pipeline
// publishes to the object store: one 3D int16 array (time × row × col) in
// Zarr v3 layout, gzip-compressed chunks, with chunks of all-zero data never
// written. Point queries fetch only the covering chunks and keep them in a
// bounded LRU.
package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"
)

// NoData is the sentinel carried in the array's nodata attribute.
const NoData = -9999

const mmPerInch = 25.4

// ErrMalformedMetadata wraps any inconsistency in the array documents. It is
// fatal for the request: unlike a missing chunk it can never be treated as
// zero data.
var ErrMalformedMetadata = errors.New("malformed array metadata")

// Bounds is the geographic extent of the array in EPSG:4326.
type Bounds struct {
	West  float64 `json:"west"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
	South float64 `json:"south"`
}

// Contains reports whether the point lies inside the bounds, edges included.
func (b Bounds) Contains(lng, lat float64) bool {
	return lng >= b.West && lng <= b.East && lat >= b.South && lat <= b.North
}

// ArrayMetadata is the decoded shape and georeferencing of the array.
type ArrayMetadata struct {
	Shape  [3]int // time, row, col
	Chunks [3]int
	Bounds Bounds
	NoData int16
}

// PixelSizeX returns the width of one cell in degrees.
func (m *ArrayMetadata) PixelSizeX() float64 {
	return (m.Bounds.East - m.Bounds.West) / float64(m.Shape[2])
}

// PixelSizeY returns the height of one cell in degrees.
func (m *ArrayMetadata) PixelSizeY() float64 {
	return (m.Bounds.North - m.Bounds.South) / float64(m.Shape[1])
}

// arrayDoc is the wire form of the Zarr v3 array document.
type arrayDoc struct {
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
	Shape      []int  `json:"shape"`
	DataType   string `json:"data_type"`
	ChunkGrid  struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	Attributes struct {
		Units  string `json:"units"`
		NoData int16  `json:"nodata"`
		Bounds Bounds `json:"bounds"`
		CRS    string `json:"crs"`
	} `json:"attributes"`
}

// Config configures a Store.
type Config struct {
	// Prefix is the object-store directory holding the array, e.g.
	// "snodas.zarr".
	Prefix string
	// Array is the array name under the prefix, e.g. "snow_depth".
	Array string
	// ChunkCacheSize bounds the number of decompressed chunks held in
	// memory.
	ChunkCacheSize int64
	Logger         *slog.Logger
}

// Store reads the array and its metadata documents from a bucket. Metadata
// and the date index are fetched once per process; concurrent first callers
// coalesce through singleflight. Construct one Store at startup and share it
// across requests.
type Store struct {
	bucket *blob.Bucket
	prefix string
	array  string
	logger *slog.Logger

	flight singleflight.Group

	mu    sync.RWMutex
	meta  *ArrayMetadata
	dates []string

	chunks *ccache.Cache[*Chunk]
}

// New builds a Store over the given bucket.
func New(bucket *blob.Bucket, cfg Config) *Store {
	size := cfg.ChunkCacheSize
	if size <= 0 {
		size = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		bucket: bucket,
		prefix: cfg.Prefix,
		array:  cfg.Array,
		logger: logger,
		chunks: ccache.New(ccache.Configure[*Chunk]().MaxSize(size).ItemsToPrune(1)),
	}
}

func (s *Store) metadataKey() string { return s.prefix + "/" + s.array + "/zarr.json" }
func (s *Store) datesKey() string    { return s.prefix + "/dates.json" }

func (s *Store) chunkStorageKey(t, y, x int) string {
	return fmt.Sprintf("%s/%s/c/%d/%d/%d", s.prefix, s.array, t, y, x)
}

// Metadata returns the array's shape and bounds, fetching and validating the
// array document on first use.
func (s *Store) Metadata(ctx context.Context) (*ArrayMetadata, error) {
	s.mu.RLock()
	meta := s.meta
	s.mu.RUnlock()
	if meta != nil {
		return meta, nil
	}

	v, err, _ := s.flight.Do("metadata", func() (interface{}, error) {
		s.mu.RLock()
		cached := s.meta
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		raw, err := s.bucket.ReadAll(ctx, s.metadataKey())
		if err != nil {
			return nil, fmt.Errorf("failed to read array metadata %s: %w", s.metadataKey(), err)
		}
		m, err := parseArrayDoc(raw)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.meta = m
		s.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ArrayMetadata), nil
}

func parseArrayDoc(raw []byte) (*ArrayMetadata, error) {
	var doc arrayDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}
	if doc.NodeType != "" && doc.NodeType != "array" {
		return nil, fmt.Errorf("%w: node type %q", ErrMalformedMetadata, doc.NodeType)
	}
	if doc.DataType != "int16" {
		return nil, fmt.Errorf("%w: data type %q", ErrMalformedMetadata, doc.DataType)
	}
	if len(doc.Shape) != 3 || len(doc.ChunkGrid.Configuration.ChunkShape) != 3 {
		return nil, fmt.Errorf("%w: expected 3 dimensions", ErrMalformedMetadata)
	}
	b := doc.Attributes.Bounds
	if b.West >= b.East || b.South >= b.North {
		return nil, fmt.Errorf("%w: degenerate bounds %+v", ErrMalformedMetadata, b)
	}

	m := &ArrayMetadata{
		Bounds: b,
		NoData: doc.Attributes.NoData,
	}
	copy(m.Shape[:], doc.Shape)
	copy(m.Chunks[:], doc.ChunkGrid.Configuration.ChunkShape)
	for i, n := range m.Shape {
		if n <= 0 || m.Chunks[i] <= 0 {
			return nil, fmt.Errorf("%w: shape %v chunks %v", ErrMalformedMetadata, m.Shape, m.Chunks)
		}
	}
	if m.NoData == 0 {
		m.NoData = NoData
	}
	return m, nil
}

// Dates returns the sorted, deduplicated date index. Loaded once per
// process; the index is append-only across restarts, never refreshed live.
func (s *Store) Dates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	dates := s.dates
	s.mu.RUnlock()
	if dates != nil {
		return dates, nil
	}

	v, err, _ := s.flight.Do("dates", func() (interface{}, error) {
		s.mu.RLock()
		cached := s.dates
		s.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		raw, err := s.bucket.ReadAll(ctx, s.datesKey())
		if err != nil {
			return nil, fmt.Errorf("failed to read date index %s: %w", s.datesKey(), err)
		}
		var loaded []string
		if err := json.Unmarshal(raw, &loaded); err != nil {
			return nil, fmt.Errorf("%w: date index: %v", ErrMalformedMetadata, err)
		}
		if len(loaded) == 0 {
			return nil, fmt.Errorf("%w: empty date index", ErrMalformedMetadata)
		}
		// The pipeline writes the index sorted; dedupe defensively so a
		// double-ingested date cannot shift every later time index.
		sort.Strings(loaded)
		loaded = dedupeSorted(loaded)

		s.mu.Lock()
		s.dates = loaded
		s.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func dedupeSorted(in []string) []string {
	out := in[:0]
	for i, v := range in {
		if i == 0 || v != in[i-1] {
			out = append(out, v)
		}
	}
	return out
}

// ResolvePoint maps a geographic point to array pixel coordinates. ok is
// false when the point falls outside the array bounds.
func (s *Store) ResolvePoint(ctx context.Context, lng, lat float64) (x, y int, ok bool, err error) {
	m, err := s.Metadata(ctx)
	if err != nil {
		return 0, 0, false, err
	}
	if !m.Bounds.Contains(lng, lat) {
		return 0, 0, false, nil
	}

	x = int((lng - m.Bounds.West) / m.PixelSizeX())
	y = int((m.Bounds.North - lat) / m.PixelSizeY())
	// Points exactly on the east or south edge land one past the grid.
	if x == m.Shape[2] {
		x--
	}
	if y == m.Shape[1] {
		y--
	}
	if x < 0 || x >= m.Shape[2] || y < 0 || y >= m.Shape[1] {
		return 0, 0, false, fmt.Errorf("%w: pixel (%d, %d) inconsistent with shape %v", ErrMalformedMetadata, x, y, m.Shape)
	}
	return x, y, true, nil
}

// CellCenter returns the geographic midpoint of an array cell. It is the
// inverse of ResolvePoint up to one cell's resolution.
func (m *ArrayMetadata) CellCenter(x, y int) (lng, lat float64) {
	lng = m.Bounds.West + (float64(x)+0.5)*m.PixelSizeX()
	lat = m.Bounds.North - (float64(y)+0.5)*m.PixelSizeY()
	return lng, lat
}

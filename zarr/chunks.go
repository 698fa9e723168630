package zarr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/gcerrors"
)

// Chunks are immutable once written, so entries only ever leave the cache
// under LRU pressure. ccache still wants a TTL; make it effectively forever.
const chunkCacheTTL = 10 * 365 * 24 * time.Hour

// Chunk is one decompressed sub-block of the array, row-major in (t, y, x)
// order. A Chunk with no data is a negative cache entry: the chunk was
// looked up and is absent from storage, which by the sparse-store convention
// means every value in it is zero.
type Chunk struct {
	data []int16
	ty   int // chunk extent along y, for indexing
	tx   int // chunk extent along x
}

// Absent reports whether this chunk is a cached not-found result.
func (c *Chunk) Absent() bool { return c == nil || c.data == nil }

// At returns the raw value at local chunk coordinates. Absent chunks read as
// zero everywhere.
func (c *Chunk) At(t, y, x int) int16 {
	if c.Absent() {
		return 0
	}
	return c.data[(t*c.ty+y)*c.tx+x]
}

// Chunk returns the chunk at the given chunk coordinates, fetching and
// decompressing it on first use. Not-found results are cached so repeated
// lookups over sparse regions never touch the backing store; fetch or decode
// failures are returned and never cached.
func (s *Store) Chunk(ctx context.Context, t, y, x int) (*Chunk, error) {
	m, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%d/%d/%d", t, y, x)
	if item := s.chunks.Get(cacheKey); item != nil {
		if item.Value().Absent() {
			chunkNegativeHits.Inc()
		} else {
			chunkCacheHits.Inc()
		}
		return item.Value(), nil
	}

	v, err, _ := s.flight.Do("chunk:"+cacheKey, func() (interface{}, error) {
		if item := s.chunks.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
		chunkCacheMisses.Inc()

		raw, err := s.bucket.ReadAll(ctx, s.chunkStorageKey(t, y, x))
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				absent := &Chunk{}
				s.chunks.Set(cacheKey, absent, chunkCacheTTL)
				return absent, nil
			}
			chunkFetchErrors.Inc()
			return nil, fmt.Errorf("failed to fetch chunk %s: %w", cacheKey, err)
		}

		c, err := decodeChunk(raw, m.Chunks)
		if err != nil {
			chunkFetchErrors.Inc()
			return nil, fmt.Errorf("failed to decode chunk %s: %w", cacheKey, err)
		}
		s.chunks.Set(cacheKey, c, chunkCacheTTL)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Chunk), nil
}

// decodeChunk inflates a gzip chunk payload into little-endian int16
// samples and checks it against the expected chunk shape.
func decodeChunk(raw []byte, shape [3]int) (*Chunk, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}

	want := shape[0] * shape[1] * shape[2] * 2
	if len(decompressed) != want {
		return nil, fmt.Errorf("chunk is %d bytes, want %d", len(decompressed), want)
	}

	data := make([]int16, len(decompressed)/2)
	for i := range data {
		data[i] = int16(uint16(decompressed[2*i]) | uint16(decompressed[2*i+1])<<8)
	}
	return &Chunk{data: data, ty: shape[1], tx: shape[2]}, nil
}

package zarr

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// DatedValue is one day of the extracted time series. Value is snow depth in
// inches; zero means no snow or no data, by the sparse-store convention.
type DatedValue struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// Series extracts the per-date snow depth at a geographic point. startDate
// and endDate ("YYYY-MM-DD", either may be empty) clip the range to the
// dates covered by the index. The result covers every indexed date in range
// exactly once, in ascending order; dates whose chunk is absent or whose
// fetch failed contribute zero. A point outside the array bounds yields an
// empty series.
func (s *Store) Series(ctx context.Context, lng, lat float64, startDate, endDate string) ([]DatedValue, error) {
	x, y, ok, err := s.ResolvePoint(ctx, lng, lat)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []DatedValue{}, nil
	}

	m, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	dates, err := s.Dates(ctx)
	if err != nil {
		return nil, err
	}

	startIdx, endIdx := dateRange(dates, startDate, endDate)
	if startIdx > endIdx {
		return []DatedValue{}, nil
	}

	chunkT := m.Chunks[0]
	rowChunk := y / m.Chunks[1]
	colChunk := x / m.Chunks[2]
	localY := y % m.Chunks[1]
	localX := x % m.Chunks[2]

	firstTC := startIdx / chunkT
	lastTC := endIdx / chunkT

	// Fetch every covering time chunk concurrently, then join before
	// stitching. A failed fetch degrades that chunk to absent rather than
	// failing the request; ordering is only imposed at the stitch.
	covering := make([]*Chunk, lastTC-firstTC+1)
	g, gctx := errgroup.WithContext(ctx)
	for i := range covering {
		tc := firstTC + i
		g.Go(func() error {
			c, err := s.Chunk(gctx, tc, rowChunk, colChunk)
			if err != nil {
				s.logger.Warn("chunk fetch failed, treating as absent",
					"timeChunk", tc, "rowChunk", rowChunk, "colChunk", colChunk, "error", err)
				return nil
			}
			covering[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]DatedValue, 0, endIdx-startIdx+1)
	for idx := startIdx; idx <= endIdx; idx++ {
		c := covering[idx/chunkT-firstTC]
		raw := c.At(idx%chunkT, localY, localX)

		var value float64
		if raw > 0 {
			value = float64(raw) / mmPerInch
		}
		out = append(out, DatedValue{Date: dates[idx], Value: value})
	}
	return out, nil
}

// dateRange resolves the inclusive index range [startIdx, endIdx] covered by
// the requested dates. The index is sorted, so ISO date strings compare
// correctly as plain strings.
func dateRange(dates []string, startDate, endDate string) (startIdx, endIdx int) {
	startIdx = 0
	if startDate != "" {
		startIdx = sort.SearchStrings(dates, startDate)
	}
	endIdx = len(dates) - 1
	if endDate != "" {
		i := sort.SearchStrings(dates, endDate)
		if i < len(dates) && dates[i] == endDate {
			endIdx = i
		} else {
			endIdx = i - 1
		}
	}
	return startIdx, endIdx
}

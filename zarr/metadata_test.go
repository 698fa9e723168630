package zarr

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"
)

const testArrayDoc = `{
	"zarr_format": 3,
	"node_type": "array",
	"shape": [10, 16, 16],
	"data_type": "int16",
	"chunk_grid": {
		"name": "regular",
		"configuration": {"chunk_shape": [4, 8, 8]}
	},
	"attributes": {
		"units": "mm",
		"nodata": -9999,
		"bounds": {"west": -100, "east": -90, "north": 50, "south": 40},
		"crs": "EPSG:4326"
	}
}`

func newTestStore(t *testing.T) (*Store, *blob.Bucket) {
	t.Helper()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })

	ctx := context.Background()
	if err := bucket.WriteAll(ctx, "snodas.zarr/snow_depth/zarr.json", []byte(testArrayDoc), nil); err != nil {
		t.Fatalf("failed to seed array metadata: %v", err)
	}

	s := New(bucket, Config{
		Prefix: "snodas.zarr",
		Array:  "snow_depth",
		Logger: slog.New(slog.DiscardHandler),
	})
	return s, bucket
}

func TestMetadata(t *testing.T) {
	s, _ := newTestStore(t)

	m, err := s.Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata returned an unexpected error: %v", err)
	}

	if m.Shape != [3]int{10, 16, 16} {
		t.Errorf("shape = %v, want [10 16 16]", m.Shape)
	}
	if m.Chunks != [3]int{4, 8, 8} {
		t.Errorf("chunks = %v, want [4 8 8]", m.Chunks)
	}
	if m.NoData != NoData {
		t.Errorf("nodata = %d, want %d", m.NoData, NoData)
	}
	if m.PixelSizeX() != 0.625 || m.PixelSizeY() != 0.625 {
		t.Errorf("pixel size = %f x %f, want 0.625 x 0.625", m.PixelSizeX(), m.PixelSizeY())
	}
}

func TestParseArrayDocRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"wrong node type", `{"node_type": "group", "shape": [1,1,1], "data_type": "int16",
			"chunk_grid": {"configuration": {"chunk_shape": [1,1,1]}},
			"attributes": {"bounds": {"west": 0, "east": 1, "north": 1, "south": 0}}}`},
		{"wrong data type", `{"node_type": "array", "shape": [1,1,1], "data_type": "float32",
			"chunk_grid": {"configuration": {"chunk_shape": [1,1,1]}},
			"attributes": {"bounds": {"west": 0, "east": 1, "north": 1, "south": 0}}}`},
		{"two dimensions", `{"node_type": "array", "shape": [1,1], "data_type": "int16",
			"chunk_grid": {"configuration": {"chunk_shape": [1,1]}},
			"attributes": {"bounds": {"west": 0, "east": 1, "north": 1, "south": 0}}}`},
		{"degenerate bounds", `{"node_type": "array", "shape": [1,1,1], "data_type": "int16",
			"chunk_grid": {"configuration": {"chunk_shape": [1,1,1]}},
			"attributes": {"bounds": {"west": 1, "east": 1, "north": 1, "south": 0}}}`},
		{"zero chunk extent", `{"node_type": "array", "shape": [1,1,1], "data_type": "int16",
			"chunk_grid": {"configuration": {"chunk_shape": [1,0,1]}},
			"attributes": {"bounds": {"west": 0, "east": 1, "north": 1, "south": 0}}}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseArrayDoc([]byte(tc.doc))
			if !errors.Is(err, ErrMalformedMetadata) {
				t.Errorf("parseArrayDoc error = %v, want ErrMalformedMetadata", err)
			}
		})
	}
}

func TestResolvePoint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	testCases := []struct {
		name     string
		lng, lat float64
		wantX    int
		wantY    int
		wantOK   bool
	}{
		{"northwest corner cell", -99.95, 49.95, 0, 0, true},
		{"interior", -98.44, 47.81, 2, 3, true},
		{"east edge lands in last column", -90, 45, 15, 8, true},
		{"south edge lands in last row", -95, 40, 8, 15, true},
		{"west of the array", -110, 45, 0, 0, false},
		{"north of the array", -95, 60, 0, 0, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			x, y, ok, err := s.ResolvePoint(ctx, tc.lng, tc.lat)
			if err != nil {
				t.Fatalf("ResolvePoint(%f, %f) returned an unexpected error: %v", tc.lng, tc.lat, err)
			}
			if ok != tc.wantOK {
				t.Fatalf("ResolvePoint(%f, %f) ok = %v, want %v", tc.lng, tc.lat, ok, tc.wantOK)
			}
			if ok && (x != tc.wantX || y != tc.wantY) {
				t.Errorf("ResolvePoint(%f, %f) = (%d, %d), want (%d, %d)", tc.lng, tc.lat, x, y, tc.wantX, tc.wantY)
			}
		})
	}
}

func TestCellCenterRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m, err := s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata returned an unexpected error: %v", err)
	}

	// The center of any cell must resolve back to that cell.
	for _, cell := range [][2]int{{0, 0}, {2, 3}, {15, 15}, {7, 12}} {
		lng, lat := m.CellCenter(cell[0], cell[1])
		x, y, ok, err := s.ResolvePoint(ctx, lng, lat)
		if err != nil || !ok {
			t.Fatalf("ResolvePoint(%f, %f) = ok %v, err %v", lng, lat, ok, err)
		}
		if x != cell[0] || y != cell[1] {
			t.Errorf("cell (%d, %d) center resolved to (%d, %d)", cell[0], cell[1], x, y)
		}
	}

	lng, lat := m.CellCenter(2, 3)
	if math.Abs(lng-(-98.4375)) > 1e-9 || math.Abs(lat-47.8125) > 1e-9 {
		t.Errorf("CellCenter(2, 3) = (%f, %f), want (-98.4375, 47.8125)", lng, lat)
	}
}

func TestDates(t *testing.T) {
	s, bucket := newTestStore(t)
	ctx := context.Background()

	// Out of order with a duplicate: the loaded index must come back sorted
	// and deduplicated.
	raw := []byte(`["2024-01-03", "2024-01-01", "2024-01-02", "2024-01-01"]`)
	if err := bucket.WriteAll(ctx, "snodas.zarr/dates.json", raw, nil); err != nil {
		t.Fatalf("failed to seed date index: %v", err)
	}

	dates, err := s.Dates(ctx)
	if err != nil {
		t.Fatalf("Dates returned an unexpected error: %v", err)
	}

	want := []string{"2024-01-01", "2024-01-02", "2024-01-03"}
	if len(dates) != len(want) {
		t.Fatalf("got %d dates %v, want %v", len(dates), dates, want)
	}
	for i := range want {
		if dates[i] != want[i] {
			t.Errorf("dates[%d] = %q, want %q", i, dates[i], want[i])
		}
	}
}

func TestDatesMissingIndex(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Dates(context.Background()); err == nil {
		t.Error("Dates with no index object must fail, a missing index is not an empty dataset")
	}
}

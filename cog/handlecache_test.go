package cog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResolver struct {
	calls atomic.Int32
	err   error
}

func (r *fakeResolver) ResolveURL(_ context.Context, key string) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "https://signed.example/" + key, nil
}

func TestRasterKey(t *testing.T) {
	date := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	want := "cogs/snodas_snow_depth_20240115.tif"
	if got := RasterKey("cogs", date); got != want {
		t.Errorf("RasterKey = %q, want %q", got, want)
	}
}

func TestHandleCacheGetReuses(t *testing.T) {
	resolver := &fakeResolver{}
	var opens atomic.Int32
	cache := NewHandleCache(resolver, HandleCacheConfig{
		KeyPrefix: "cogs",
		Lifetime:  time.Hour,
		Open: func(_ context.Context, _ string) (*GeoTIFF, error) {
			opens.Add(1)
			return &GeoTIFF{}, nil
		},
	})

	ctx := context.Background()
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	first, err := cache.Get(ctx, day)
	if err != nil {
		t.Fatalf("Get returned an unexpected error: %v", err)
	}
	second, err := cache.Get(ctx, day)
	if err != nil {
		t.Fatalf("Get returned an unexpected error: %v", err)
	}
	if first != second {
		t.Error("repeated Get for the same date returned a different handle")
	}
	if n := opens.Load(); n != 1 {
		t.Errorf("raster opened %d times, want 1", n)
	}

	// A different date is a different raster.
	if _, err := cache.Get(ctx, day.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("Get returned an unexpected error: %v", err)
	}
	if n := opens.Load(); n != 2 {
		t.Errorf("raster opened %d times after a second date, want 2", n)
	}
}

func TestHandleCacheGetReopensAfterExpiry(t *testing.T) {
	resolver := &fakeResolver{}
	var opens atomic.Int32
	cache := NewHandleCache(resolver, HandleCacheConfig{
		KeyPrefix:    "cogs",
		Lifetime:     30 * time.Millisecond,
		ExpiryMargin: 10 * time.Millisecond,
		Open: func(_ context.Context, _ string) (*GeoTIFF, error) {
			opens.Add(1)
			return &GeoTIFF{}, nil
		},
	})

	ctx := context.Background()
	day := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	if _, err := cache.Get(ctx, day); err != nil {
		t.Fatalf("Get returned an unexpected error: %v", err)
	}

	// Past the lifetime minus the margin the handle must not be reused, its
	// signed URL is too close to expiry.
	time.Sleep(50 * time.Millisecond)

	if _, err := cache.Get(ctx, day); err != nil {
		t.Fatalf("Get returned an unexpected error: %v", err)
	}
	if n := opens.Load(); n != 2 {
		t.Errorf("raster opened %d times, want a reopen after expiry", n)
	}
}

func TestHandleCacheGetResolveError(t *testing.T) {
	wantErr := errors.New("bucket unreachable")
	resolver := &fakeResolver{err: wantErr}
	cache := NewHandleCache(resolver, HandleCacheConfig{
		KeyPrefix: "cogs",
		Lifetime:  time.Hour,
		Open: func(_ context.Context, _ string) (*GeoTIFF, error) {
			t.Fatal("open must not run when the resolver fails")
			return nil, nil
		},
	})

	_, err := cache.Get(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, wantErr) {
		t.Errorf("Get error = %v, want %v", err, wantErr)
	}

	// Failures are not cached: the next Get resolves again.
	resolver.err = nil
	var opened bool
	cache.open = func(_ context.Context, _ string) (*GeoTIFF, error) {
		opened = true
		return &GeoTIFF{}, nil
	}
	if _, err := cache.Get(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Get after resolver recovery returned an unexpected error: %v", err)
	}
	if !opened {
		t.Error("raster was not reopened after the resolver recovered")
	}
}

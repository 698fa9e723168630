package cog

import (
	"context"
	"fmt"
	"time"

	"github.com/karlseguin/ccache/v3"
	"gocloud.dev/blob"
	"golang.org/x/sync/singleflight"
)

// URLResolver produces a fetchable reference for an object-store key. The
// reference is only valid for a bounded lifetime; the handle cache expires
// handles before their backing reference does.
type URLResolver interface {
	ResolveURL(ctx context.Context, key string) (string, error)
}

// BucketResolver issues presigned URLs from a gocloud.dev bucket.
type BucketResolver struct {
	Bucket   *blob.Bucket
	Lifetime time.Duration
}

func (r *BucketResolver) ResolveURL(ctx context.Context, key string) (string, error) {
	return r.Bucket.SignedURL(ctx, key, &blob.SignedURLOptions{Expiry: r.Lifetime})
}

// OpenFunc opens a raster handle from a resolved reference.
type OpenFunc func(ctx context.Context, url string) (*GeoTIFF, error)

// HandleCacheConfig configures a HandleCache.
type HandleCacheConfig struct {
	// KeyPrefix is the object-store directory holding the per-date COGs,
	// without a trailing slash.
	KeyPrefix string
	// Lifetime is how long a resolved reference stays valid.
	Lifetime time.Duration
	// ExpiryMargin is subtracted from Lifetime when computing the cache
	// TTL, so a cached handle is never used with an expired reference.
	ExpiryMargin time.Duration
	// MaxHandles bounds how many dates are held open at once.
	MaxHandles int64
	// TileCacheSize and TileCacheItemsToPrune are passed through to each
	// opened handle's decoded-tile LRU.
	TileCacheSize         int64
	TileCacheItemsToPrune uint32
	// Open overrides how a resolved reference is opened. Defaults to
	// opening an HTTP range reader over the URL.
	Open OpenFunc
}

// HandleCache hands out raster handles keyed by date. Handles are opened
// lazily and reopened after the backing reference's validity window, minus a
// safety margin, has elapsed. Concurrent requests for the same date coalesce
// through singleflight.
type HandleCache struct {
	resolver URLResolver
	open     OpenFunc
	prefix   string
	ttl      time.Duration

	handles  *ccache.Cache[*GeoTIFF]
	inflight singleflight.Group
}

// NewHandleCache builds a HandleCache over the given resolver.
func NewHandleCache(resolver URLResolver, cfg HandleCacheConfig) *HandleCache {
	ttl := cfg.Lifetime - cfg.ExpiryMargin
	if ttl <= 0 {
		ttl = cfg.Lifetime
	}

	open := cfg.Open
	if open == nil {
		tileCacheSize := cfg.TileCacheSize
		prune := cfg.TileCacheItemsToPrune
		open = func(ctx context.Context, url string) (*GeoTIFF, error) {
			r, err := NewHTTPRangeReader(url, nil)
			if err != nil {
				return nil, err
			}
			return Open(r, tileCacheSize, prune)
		}
	}

	maxHandles := cfg.MaxHandles
	if maxHandles <= 0 {
		maxHandles = 16
	}

	return &HandleCache{
		resolver: resolver,
		open:     open,
		prefix:   cfg.KeyPrefix,
		ttl:      ttl,
		handles:  ccache.New(ccache.Configure[*GeoTIFF]().MaxSize(maxHandles).ItemsToPrune(1)),
	}
}

// RasterKey derives the object-store key for one date's raster, following
// the pipeline's fixed naming scheme.
func RasterKey(prefix string, date time.Time) string {
	return fmt.Sprintf("%s/snodas_snow_depth_%s.tif", prefix, date.Format("20060102"))
}

// Get returns the raster handle for a date, opening it on first use or after
// expiry. Resolve and open failures propagate to the caller unretried; a
// missing raster for an enumerable date is a backend problem, not a sparse
// result.
func (c *HandleCache) Get(ctx context.Context, date time.Time) (*GeoTIFF, error) {
	key := RasterKey(c.prefix, date)

	if item := c.handles.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}

	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		url, err := c.resolver.ResolveURL(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve raster %s: %w", key, err)
		}
		g, err := c.open(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to open raster %s: %w", key, err)
		}
		c.handles.Set(key, g, c.ttl)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GeoTIFF), nil
}

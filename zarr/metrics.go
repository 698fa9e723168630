package zarr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Subsystem: "zarr",
		Name:      "chunk_cache_hits_total",
		Help:      "Chunk lookups served from the in-memory LRU.",
	})
	chunkNegativeHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Subsystem: "zarr",
		Name:      "chunk_negative_hits_total",
		Help:      "Chunk lookups answered by a cached not-found (sparse zero) entry.",
	})
	chunkCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Subsystem: "zarr",
		Name:      "chunk_cache_misses_total",
		Help:      "Chunk lookups that went to the backing store.",
	})
	chunkFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Subsystem: "zarr",
		Name:      "chunk_fetch_errors_total",
		Help:      "Chunk fetches or decodes that failed; these are never cached.",
	})
)

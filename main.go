// main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/snowviz/snodasapi/cog"
	"github.com/snowviz/snodasapi/ratelimit"
	"github.com/snowviz/snodasapi/tile"
	"github.com/snowviz/snodasapi/zarr"
)

const appName = "snodas-api"

const dateLayout = "2006-01-02"

var (
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
	httpAPIServer     *http.Server

	tilesRendered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Name:      "tiles_rendered_total",
		Help:      "Map tiles rendered, including fully transparent ones.",
	})
	requestsRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "snodasapi",
		Name:      "requests_rate_limited_total",
		Help:      "Requests denied by the admission guard.",
	})
)

// Config holds all configuration for the application, loaded from
// environment variables.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"6666"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`

	BucketURL  string `env:"BUCKET_URL" envDefault:"s3://snodas?region=auto"`
	COGPrefix  string `env:"COG_PREFIX" envDefault:"cogs"`
	ZarrPrefix string `env:"ZARR_PREFIX" envDefault:"snodas.zarr"`
	ZarrArray  string `env:"ZARR_ARRAY" envDefault:"snow_depth"`

	SignedURLLifetime  time.Duration `env:"SIGNED_URL_LIFETIME" envDefault:"1h"`
	HandleExpiryMargin time.Duration `env:"HANDLE_EXPIRY_MARGIN" envDefault:"5m"`
	MaxOpenRasters     int64         `env:"MAX_OPEN_RASTERS" envDefault:"16"`

	TileCacheMaxSize      int64  `env:"TILE_CACHE_MAX_SIZE" envDefault:"1024"`
	TileCacheItemsToPrune uint32 `env:"TILE_CACHE_ITEMS_TO_PRUNE" envDefault:"100"`
	ChunkCacheSize        int64  `env:"CHUNK_CACHE_SIZE" envDefault:"50"`

	RateLimit     int           `env:"RATE_LIMIT" envDefault:"100"`
	RateWindow    time.Duration `env:"RATE_WINDOW" envDefault:"60s"`
	SweepInterval time.Duration `env:"RATE_SWEEP_INTERVAL" envDefault:"5m"`
}

// identityResolver hands the storage key back unchanged, for buckets whose
// open path reads through the bucket rather than a presigned URL.
type identityResolver struct{}

func (identityResolver) ResolveURL(_ context.Context, key string) (string, error) { return key, nil }

// Server bundles the shared access-layer state every request handler needs.
// Everything in here is constructed once at startup and injected, so tests
// can build an isolated instance.
type Server struct {
	rasters *cog.HandleCache
	store   *zarr.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		fmt.Printf("failed to parse config: %+v\n", err)
		os.Exit(1)
	}

	logger := createLogger(cfg, appName)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		logger.Error("failed to open bucket, shutting down", "url", cfg.BucketURL, "error", err)
		os.Exit(1)
	}
	defer bucket.Close()

	resolver := cog.URLResolver(&cog.BucketResolver{Bucket: bucket, Lifetime: cfg.SignedURLLifetime})
	handleCfg := cog.HandleCacheConfig{
		KeyPrefix:             cfg.COGPrefix,
		Lifetime:              cfg.SignedURLLifetime,
		ExpiryMargin:          cfg.HandleExpiryMargin,
		MaxHandles:            cfg.MaxOpenRasters,
		TileCacheSize:         cfg.TileCacheMaxSize,
		TileCacheItemsToPrune: cfg.TileCacheItemsToPrune,
	}
	// Local fileblob buckets cannot presign; read straight through the bucket
	// instead of going out over HTTP.
	if _, err := bucket.SignedURL(ctx, "probe", &blob.SignedURLOptions{Expiry: time.Minute}); gcerrors.Code(err) == gcerrors.Unimplemented {
		logger.Info("bucket cannot presign URLs, reading rasters through the bucket directly")
		resolver = identityResolver{}
		handleCfg.Open = func(ctx context.Context, key string) (*cog.GeoTIFF, error) {
			r, err := cog.NewBlobReader(ctx, bucket, key)
			if err != nil {
				return nil, err
			}
			return cog.Open(r, cfg.TileCacheMaxSize, cfg.TileCacheItemsToPrune)
		}
	}

	srv := &Server{
		rasters: cog.NewHandleCache(resolver, handleCfg),
		store: zarr.New(bucket, zarr.Config{
			Prefix:         cfg.ZarrPrefix,
			Array:          cfg.ZarrArray,
			ChunkCacheSize: cfg.ChunkCacheSize,
			Logger:         logger,
		}),
		limiter: ratelimit.New(cfg.RateLimit, cfg.RateWindow),
		logger:  logger,
	}

	healthServer := health.NewServer()

	g.Go(func() error {
		srv.limiter.Sweep(ctx, cfg.SweepInterval)
		return nil
	})

	g.Go(func() error {
		return startHealthServer(logger, cfg, healthServer)
	})

	g.Go(func() error {
		return startMetricsServer(logger, cfg)
	})

	g.Go(func() error {
		return startAPIServer(logger, cfg, srv)
	})

	select {
	case <-interrupt:
		slog.Warn("received termination signal, starting graceful shutdown")
		cancel()
	case <-ctx.Done():
		slog.Warn("context cancelled, starting graceful shutdown")
	}

	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		if err := httpMetricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP metrics server shutdown error", "error", err)
		}
	}
	if httpAPIServer != nil {
		if err := httpAPIServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP API server shutdown error", "error", err)
		}
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server group returned an error", "error", err)
		os.Exit(2)
	}
}

func startHealthServer(logger *slog.Logger, cfg Config, healthServer *health.Server) error {
	addr := fmt.Sprintf(":%d", cfg.HealthPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gRPC health server failed to listen: %w", err)
	}

	grpcHealthServer = grpc.NewServer()
	healthpb.RegisterHealthServer(grpcHealthServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("gRPC health server listening", "address", addr)
	return grpcHealthServer.Serve(lis)
}

func startMetricsServer(logger *slog.Logger, cfg Config) error {
	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	httpMetricsServer = &http.Server{Addr: addr, Handler: mux}
	logger.Info("HTTP metrics server listening", "address", addr)

	if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP metrics server failed: %w", err)
	}
	return nil
}

func startAPIServer(logger *slog.Logger, cfg Config, srv *Server) error {
	addr := fmt.Sprintf(":%d", cfg.HTTPPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/tiles/", srv.tileHandler)
	mux.HandleFunc("/point/", srv.pointHandler)
	mux.HandleFunc("/series/", srv.seriesHandler)
	mux.HandleFunc("/dates", srv.datesHandler)

	handler := cors.Default().Handler(srv.admission(mux))

	httpAPIServer = &http.Server{Addr: addr, Handler: handler}
	logger.Info("HTTP API server listening", "address", addr)

	if err := httpAPIServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP API server failed: %w", err)
	}
	return nil
}

// admission gates every API request through the per-client fixed-window
// limiter. Denials carry a Retry-After hint equal to the window.
func (s *Server) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !s.limiter.Allow(key) {
			requestsRateLimited.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(s.limiter.RetryAfter().Seconds())))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// tileHandler serves /tiles/{date}/{z}/{x}/{y}.png. Requests that miss the
// dataset extent get a fully transparent tile, which is a valid, cacheable
// response.
func (s *Server) tileHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tiles/"), "/")
	if len(parts) != 4 {
		http.Error(w, "invalid tile URL format, expected /tiles/{date}/{z}/{x}/{y}.png", http.StatusBadRequest)
		return
	}

	date, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	z, errZ := strconv.Atoi(parts[1])
	x, errX := strconv.Atoi(parts[2])
	y, errY := strconv.Atoi(strings.TrimSuffix(parts[3], ".png"))
	if errZ != nil || errX != nil || errY != nil || !tile.Valid(x, y, z) {
		http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
		return
	}

	g, err := s.rasters.Get(r.Context(), date)
	if err != nil {
		s.logger.Error("failed to open raster", "date", parts[0], "error", err)
		http.Error(w, "could not open raster for date", http.StatusInternalServerError)
		return
	}

	west, south, east, north := tile.Bounds(x, y, z)
	win, samples, err := g.ReadWindow(cog.BBox{West: west, South: south, East: east, North: north}, tile.Size)
	if err != nil {
		// Best effort: a failed partial read degrades to an empty tile
		// rather than a broken map.
		s.logger.Warn("windowed read failed, serving empty tile",
			"date", parts[0], "z", z, "x", x, "y", y, "error", err)
		win, samples = cog.Window{}, nil
	}

	buf := tile.Compose(win, samples, tile.Size)
	tilesRendered.Inc()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if err := tile.EncodePNG(w, buf, tile.Size); err != nil {
		s.logger.Error("failed to encode tile", "error", err)
	}
}

// pointHandler serves /point/{date}/{lat}/{lng}. A point outside the dataset
// or a nodata cell yields null depths, not an error.
func (s *Server) pointHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/point/"), "/")
	if len(parts) != 3 {
		http.Error(w, "invalid URL format, expected /point/{date}/{lat}/{lng}", http.StatusBadRequest)
		return
	}

	date, err := time.Parse(dateLayout, parts[0])
	if err != nil {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	lat, errLat := strconv.ParseFloat(parts[1], 64)
	lng, errLng := strconv.ParseFloat(parts[2], 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return
	}

	response := struct {
		Date      string   `json:"date"`
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		DepthMM   *int16   `json:"depth_mm"`
		DepthIn   *float64 `json:"depth_in"`
	}{Date: parts[0], Latitude: lat, Longitude: lng}

	g, err := s.rasters.Get(r.Context(), date)
	if err != nil {
		s.logger.Error("failed to open raster", "date", parts[0], "error", err)
		http.Error(w, "could not open raster for date", http.StatusInternalServerError)
		return
	}

	raw, err := g.AtCoord(lng, lat)
	switch {
	case errors.Is(err, cog.ErrOutsideBounds):
		// depths stay null
	case err != nil:
		s.logger.Error("failed to read point", "date", parts[0], "error", err)
		http.Error(w, "could not read point", http.StatusInternalServerError)
		return
	case raw != g.NoData():
		depthIn := 0.0
		if raw > 0 {
			depthIn = float64(raw) / 25.4
		}
		response.DepthMM = &raw
		response.DepthIn = &depthIn
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// seriesHandler serves /series/{lat}/{lng}?start=YYYY-MM-DD&end=YYYY-MM-DD.
func (s *Server) seriesHandler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/series/"), "/")
	if len(parts) != 2 {
		http.Error(w, "invalid URL format, expected /series/{lat}/{lng}", http.StatusBadRequest)
		return
	}
	lat, errLat := strconv.ParseFloat(parts[0], 64)
	lng, errLng := strconv.ParseFloat(parts[1], 64)
	if errLat != nil || errLng != nil {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return
	}

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(dateLayout, d); err != nil {
			http.Error(w, "invalid date range", http.StatusBadRequest)
			return
		}
	}

	series, err := s.store.Series(r.Context(), lng, lat, start, end)
	if err != nil {
		s.logger.Error("failed to assemble series", "lat", lat, "lng", lng, "error", err)
		http.Error(w, "could not assemble time series", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(series)
}

// datesHandler serves /dates, the full date index.
func (s *Server) datesHandler(w http.ResponseWriter, r *http.Request) {
	dates, err := s.store.Dates(r.Context())
	if err != nil {
		s.logger.Error("failed to load date index", "error", err)
		http.Error(w, "could not load date index", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dates)
}

func createLogger(cfg Config, appName string) *slog.Logger {
	var programLevel slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		programLevel = slog.LevelDebug
	case "INFO":
		programLevel = slog.LevelInfo
	case "WARN":
		programLevel = slog.LevelWarn
	case "ERROR":
		programLevel = slog.LevelError
	default:
		programLevel = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     programLevel,
		AddSource: programLevel <= slog.LevelDebug,
	}).WithAttrs([]slog.Attr{slog.String("app", appName)})
	return slog.New(handler)
}

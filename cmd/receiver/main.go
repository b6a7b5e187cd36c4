package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookgate/receiver/internal/columnstore"
	"github.com/hookgate/receiver/internal/config"
	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/handlers"
	"github.com/hookgate/receiver/internal/kv"
	"github.com/hookgate/receiver/internal/workers"
)

// Upper bound on inbound webhook bodies.
const maxBodyBytes = 100 * 1024

func main() {
	// Best effort: production runs on real env vars.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: envOr("SENTRY_ENVIRONMENT", "production"),
		}); err != nil {
			slog.Warn("sentry init failed", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()

	store, err := kv.New(ctx, kv.Options{
		Addr:        cfg.RedisAddr(),
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		EndpointTTL: time.Duration(cfg.EndpointCacheTTLSecs) * time.Second,
		QuotaTTL:    time.Duration(cfg.QuotaCacheTTLSecs) * time.Second,
	})
	if err != nil {
		slog.Error("redis connection failed", "addr", cfg.RedisAddr(), "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("redis connected", "addr", cfg.RedisAddr())

	cp := controlplane.NewClient(cfg.ConvexSiteURL, cfg.CaptureSharedSecret, store)

	var cs *columnstore.Client
	if cfg.ClickHouseEnabled() {
		cs = columnstore.NewClient(cfg.ClickHouseURL(), cfg.ClickHouseUser, cfg.ClickHousePassword, cfg.ClickHouseDatabase)
		if cs.Ping(ctx) {
			slog.Info("column store connected", "url", cfg.ClickHouseURL(), "database", cfg.ClickHouseDatabase)
		} else {
			slog.Warn("column store unreachable at boot, continuing", "url", cfg.ClickHouseURL())
		}
	} else {
		slog.Info("column store disabled: CLICKHOUSE_HOST not set")
	}

	shutdown := make(chan struct{})
	var workerWG sync.WaitGroup

	flushPool := workers.NewFlushPool(store, cp, cs,
		cfg.FlushWorkers, cfg.BatchMaxSize,
		time.Duration(cfg.FlushIntervalMS)*time.Millisecond)
	flushPool.Start(shutdown, &workerWG)

	workers.NewCacheWarmer(store, cp).Start(shutdown, &workerWG)

	if rw := workers.NewRetentionWorker(cp, cs); rw != nil {
		rw.Start(shutdown, &workerWG)
	}

	state := &handlers.State{Store: store, CP: cp, CS: cs, Config: cfg}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(state),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		slog.Info("shutdown signal received", "signal", sig.String())

		// Workers first: each takes a final drain pass so buffered
		// requests reach the control plane before the process exits.
		close(shutdown)

		done := make(chan struct{})
		go func() {
			workerWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Warn("workers did not drain within grace period")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("receiver starting", "port", cfg.Port, "flush_workers", cfg.FlushWorkers)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("receiver stopped")
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func newRouter(state *handlers.State) http.Handler {
	router := mux.NewRouter()

	// Public ingestion surface. Webhook senders do not retry on method
	// semantics, so every verb is accepted.
	capture := func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		state.Capture(w, r)
	}
	public := router.NewRoute().Subrouter()
	public.Use(corsMiddleware)
	public.HandleFunc("/w/{slug}", capture)
	public.HandleFunc("/w/{slug}/{path:.*}", capture)

	// Internal surface.
	router.HandleFunc("/health", state.Health).Methods(http.MethodGet)
	router.HandleFunc("/search", state.Search).Methods(http.MethodGet)
	router.HandleFunc("/internal/cache-invalidate/{slug}", state.CacheInvalidate).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(loggingMiddleware)
	router.Use(recoverMiddleware)

	return router
}

// corsMiddleware is permissive: webhook endpoints are also invoked from
// browser test tools, and the capture response carries nothing secret.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				sentry.CurrentHub().Recover(rec)
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

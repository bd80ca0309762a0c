// The enricher runs the ingestion dispatcher and the enrichment worker
// pool in one process: raw feed messages come in from the bus, tasks go
// through the Redis queue, enriched events go back out on the bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"optionstream/internal/bus"
	"optionstream/internal/cache"
	"optionstream/internal/config"
	"optionstream/internal/dispatch"
	"optionstream/internal/logging"
	"optionstream/internal/metrics"
	"optionstream/internal/store"
	"optionstream/internal/taskqueue"
	"optionstream/internal/worker"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New("enricher", cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.Print(logger)

	// External collaborators. Failing any of them at startup is fatal;
	// reconnects after startup are each client's own concern.
	busConn, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to bus")
	}
	defer busConn.Close()

	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer redisClient.Close()
	cacheLayer := cache.NewFromClient(redisClient, cfg.DLQKey)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	st, err := store.Connect(startCtx, cfg.MongoURL, cfg.MongoDB)
	if err != nil {
		cancelStart()
		logger.Fatal().Err(err).Msg("Failed to connect to store")
	}
	if err := st.EnsureIndexes(startCtx); err != nil {
		cancelStart()
		logger.Fatal().Err(err).Msg("Failed to ensure store indexes")
	}
	cancelStart()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := taskqueue.New(redisClient, cfg.TaskQueueKey, cfg.TaskLeaseDuration, logger)
	queue.StartReaper(ctx, cfg.TaskLeaseDuration/2)

	// Subscriber-dispatcher: raw channels -> task queue.
	dispatcher := dispatch.New(busConn, queue, cfg.EnqueueTimeout, logger)
	if err := dispatcher.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start dispatcher")
	}

	// Worker pool: task queue -> analytics -> store, cache, bus.
	handlers := worker.NewHandlers(st, cacheLayer, busConn, queue, worker.HandlerConfig{
		LatestTTL:       cfg.LatestTTL,
		SurfaceTTL:      cfg.SurfaceTTL,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		OHLCWindows:     cfg.OHLCWindows,
		SurfaceLookback: cfg.SurfaceLookback,
		StoreTimeout:    cfg.StoreTimeout,
		CacheTimeout:    cfg.CacheTimeout,
	}, logger)

	pool := worker.NewPool(queue, handlers, worker.PoolConfig{
		Workers:        cfg.WorkerCount,
		RetryBudget:    cfg.RetryBudget,
		RetryBaseDelay: cfg.RetryBaseDelay,
		DequeueTimeout: 5 * time.Second,
	}, logger)
	pool.Start(ctx)

	go serveOps(cfg.MetricsAddr, busConn, cacheLayer, st, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop pulling new work, let in-flight tasks finish, then tear the
	// collaborators down. Tasks interrupted mid-flight are recovered by
	// the lease reaper of the next instance.
	cancel()
	pool.Wait()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelClose()
	if err := st.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Error closing store")
	}
	logger.Info().Msg("Enricher shutdown complete")
}

// serveOps exposes Prometheus metrics and a health endpoint reporting
// connectivity to the three collaborators.
func serveOps(addr string, b *bus.Conn, c *cache.Cache, st *store.Store, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		busOK := b.IsConnected()
		cacheOK := c.Ping(ctx) == nil
		storeOK := st.Ping(ctx) == nil

		status := "healthy"
		code := http.StatusOK
		if !busOK || !cacheOK || !storeOK {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"bus":    busOK,
			"cache":  cacheOK,
			"store":  storeOK,
		})
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	logger.Info().Str("addr", addr).Msg("Ops endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Ops endpoint error")
	}
}

// Package worker is the analytical core of the pipeline: it consumes
// enrichment tasks from the durable queue, runs the derived-analytics
// computations, writes persistent and cached state, and publishes
// enriched events back onto the bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"optionstream/internal/analytics"
	"optionstream/internal/bus"
	"optionstream/internal/cache"
	"optionstream/internal/metrics"
	"optionstream/internal/taskqueue"
	"optionstream/internal/types"
)

// Store is the slice of the persistence layer the handlers need.
type Store interface {
	InsertTick(ctx context.Context, tick *types.UnderlyingTick) error
	InsertQuote(ctx context.Context, quote *types.OptionQuote) error
	InsertEnrichedChain(ctx context.Context, chain *types.EnrichedChain) error
	TicksSince(ctx context.Context, product string, since time.Time) ([]types.UnderlyingTick, error)
	QuotesSince(ctx context.Context, product string, since time.Time) ([]types.OptionQuote, error)
}

// Cache is the slice of the Redis layer the handlers need.
type Cache interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearProcessed(ctx context.Context, key string) error
	DeadLetter(ctx context.Context, entry types.DLQEntry) error
}

// Publisher is the slice of the bus the handlers need.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Enqueuer schedules subsidiary tasks (OHLC windows after a tick).
type Enqueuer interface {
	Enqueue(ctx context.Context, t *taskqueue.Task) error
}

// HandlerConfig carries the tunables the handlers read.
type HandlerConfig struct {
	LatestTTL       time.Duration // latest:* keys
	SurfaceTTL      time.Duration // iv_surface:* keys
	IdempotencyTTL  time.Duration // processed:* keys
	OHLCWindows     []int         // minutes
	SurfaceLookback time.Duration
	StoreTimeout    time.Duration
	CacheTimeout    time.Duration
}

// Handlers implements the task bodies. All cross-worker state lives in
// the cache and the store; Handlers itself is stateless and safe for
// concurrent use by every worker in the pool.
type Handlers struct {
	store  Store
	cache  Cache
	pub    Publisher
	queue  Enqueuer
	cfg    HandlerConfig
	logger zerolog.Logger
}

// NewHandlers wires the task bodies to their collaborators.
func NewHandlers(store Store, c Cache, pub Publisher, queue Enqueuer, cfg HandlerConfig, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:  store,
		cache:  c,
		pub:    pub,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Handle dispatches one task to its body. Unknown task names are
// permanent failures; there is no reflection-based task discovery.
func (h *Handlers) Handle(ctx context.Context, t *taskqueue.Task) Result {
	switch t.Name {
	case taskqueue.TaskEnrichUnderlying:
		return h.enrichUnderlying(ctx, t)
	case taskqueue.TaskEnrichQuote:
		return h.enrichQuote(ctx, t)
	case taskqueue.TaskEnrichChain:
		return h.enrichChain(ctx, t)
	case taskqueue.TaskOHLC:
		return h.ohlc(ctx, t)
	case taskqueue.TaskIVSurface:
		return h.ivSurface(ctx, t)
	default:
		return Permanent(fmt.Errorf("unknown task name %q", t.Name))
	}
}

// enrichUnderlying persists the tick, refreshes the latest-price cache,
// publishes the enriched event, and schedules OHLC recomputes.
func (h *Handlers) enrichUnderlying(ctx context.Context, t *taskqueue.Task) Result {
	var tick types.UnderlyingTick
	if err := json.Unmarshal(t.Args, &tick); err != nil {
		return Permanent(fmt.Errorf("corrupt enrich_underlying args: %w", err))
	}

	// Idempotency gate: claim the fingerprint before any side effect.
	// A second delivery of the same (product, tick_id) sees the claim and
	// returns success without effects.
	gate := cache.KeyProcessedUnderlying(tick.Product, tick.TickID)
	claimed, err := h.claim(ctx, gate)
	if err != nil {
		return Transient(err)
	}
	if !claimed {
		metrics.IdempotentSkips.WithLabelValues(t.Name).Inc()
		return Ok()
	}

	tick.ProcessedAt = time.Now().UTC()

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	err = h.store.InsertTick(storeCtx, &tick)
	cancel()
	if err != nil {
		h.release(gate)
		return Transient(err)
	}

	if err := h.setJSON(ctx, cache.KeyLatestUnderlying(tick.Product), types.LatestUnderlying{
		Price:       tick.Price,
		GeneratedAt: tick.GeneratedAt,
	}, h.cfg.LatestTTL); err != nil {
		h.release(gate)
		return Transient(err)
	}

	if err := h.pub.PublishJSON(bus.SubjectEnrichedUnderlying, types.EnrichedUnderlying{
		Product:     tick.Product,
		Price:       tick.Price,
		GeneratedAt: tick.GeneratedAt,
		ProcessedAt: tick.ProcessedAt,
	}); err != nil {
		h.release(gate)
		return Transient(err)
	}
	metrics.EnrichedPublished.WithLabelValues("enriched:underlying").Inc()

	// Subsidiary OHLC tasks. Best effort: the windows are recomputed on
	// every tick anyway, so a failed enqueue only delays the refresh.
	for _, w := range h.cfg.OHLCWindows {
		task, err := taskqueue.NewTask(taskqueue.TaskOHLC, taskqueue.OHLCArgs{
			Product:       tick.Product,
			WindowMinutes: w,
		})
		if err != nil {
			continue
		}
		if err := h.queue.Enqueue(ctx, task); err != nil {
			h.logger.Warn().Err(err).Str("product", tick.Product).Int("window", w).
				Msg("Failed to schedule OHLC task")
		} else {
			metrics.TasksEnqueued.WithLabelValues(taskqueue.TaskOHLC).Inc()
		}
	}

	return Ok()
}

// enrichQuote persists the quote. Quotes feed the IV surface recompute
// through the store; there is no per-quote publication or cache entry.
func (h *Handlers) enrichQuote(ctx context.Context, t *taskqueue.Task) Result {
	var quote types.OptionQuote
	if err := json.Unmarshal(t.Args, &quote); err != nil {
		return Permanent(fmt.Errorf("corrupt enrich_option_quote args: %w", err))
	}

	gate := cache.KeyProcessedQuote(quote.Symbol, quote.GeneratedAt)
	claimed, err := h.claim(ctx, gate)
	if err != nil {
		return Transient(err)
	}
	if !claimed {
		metrics.IdempotentSkips.WithLabelValues(t.Name).Inc()
		return Ok()
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	err = h.store.InsertQuote(storeCtx, &quote)
	cancel()
	if err != nil {
		h.release(gate)
		return Transient(err)
	}
	return Ok()
}

// enrichChain runs the full analytics pass, persists the enriched
// snapshot, replaces the chain and PCR cache entries, and publishes the
// enriched chain event.
func (h *Handlers) enrichChain(ctx context.Context, t *taskqueue.Task) Result {
	var chain types.OptionChain
	if err := json.Unmarshal(t.Args, &chain); err != nil {
		return Permanent(fmt.Errorf("corrupt enrich_option_chain args: %w", err))
	}

	gate := cache.KeyProcessedChain(chain.Product, chain.Expiry, chain.GeneratedAt)
	claimed, err := h.claim(ctx, gate)
	if err != nil {
		return Transient(err)
	}
	if !claimed {
		metrics.IdempotentSkips.WithLabelValues(t.Name).Inc()
		return Ok()
	}

	enriched := analytics.EnrichChain(chain, time.Now())

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	err = h.store.InsertEnrichedChain(storeCtx, &enriched)
	cancel()
	if err != nil {
		h.release(gate)
		return Transient(err)
	}

	if err := h.setJSON(ctx, cache.KeyLatestChain(chain.Product, chain.Expiry), &enriched, h.cfg.LatestTTL); err != nil {
		h.release(gate)
		return Transient(err)
	}
	if err := h.setJSON(ctx, cache.KeyLatestPCR(chain.Product, chain.Expiry), types.PCRSnapshot{
		PCROI:       enriched.PCROI,
		PCRVolume:   enriched.PCRVolume,
		GeneratedAt: enriched.GeneratedAt,
	}, h.cfg.LatestTTL); err != nil {
		h.release(gate)
		return Transient(err)
	}

	if err := h.pub.PublishJSON(bus.SubjectEnrichedChain, &enriched); err != nil {
		h.release(gate)
		return Transient(err)
	}
	metrics.EnrichedPublished.WithLabelValues("enriched:option_chain").Inc()

	return Ok()
}

// ohlc recomputes one OHLC window from the tick history. Cached only;
// the window is derivable so it is never persisted.
func (h *Handlers) ohlc(ctx context.Context, t *taskqueue.Task) Result {
	var args taskqueue.OHLCArgs
	if err := json.Unmarshal(t.Args, &args); err != nil {
		return Permanent(fmt.Errorf("corrupt ohlc args: %w", err))
	}
	if args.WindowMinutes < 1 {
		return Permanent(fmt.Errorf("ohlc window must be positive, got %d", args.WindowMinutes))
	}

	window := time.Duration(args.WindowMinutes) * time.Minute
	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	ticks, err := h.store.TicksSince(storeCtx, args.Product, time.Now().UTC().Add(-window))
	cancel()
	if err != nil {
		return Transient(err)
	}

	w := analytics.ComputeOHLC(args.Product, args.WindowMinutes, ticks)
	if w == nil {
		return Ok() // nothing in the window
	}

	ttl := time.Duration(args.WindowMinutes) * time.Minute
	if err := h.setJSON(ctx, cache.KeyOHLC(args.Product, args.WindowMinutes), w, ttl); err != nil {
		return Transient(err)
	}
	return Ok()
}

// ivSurface rebuilds the per-product IV surface from quotes within the
// lookback window.
func (h *Handlers) ivSurface(ctx context.Context, t *taskqueue.Task) Result {
	var args taskqueue.IVSurfaceArgs
	if err := json.Unmarshal(t.Args, &args); err != nil {
		return Permanent(fmt.Errorf("corrupt recompute_iv_surface args: %w", err))
	}

	storeCtx, cancel := context.WithTimeout(ctx, h.cfg.StoreTimeout)
	quotes, err := h.store.QuotesSince(storeCtx, args.Product, time.Now().UTC().Add(-h.cfg.SurfaceLookback))
	cancel()
	if err != nil {
		return Transient(err)
	}
	if len(quotes) == 0 {
		return Ok()
	}

	surface := analytics.BuildSurface(args.Product, quotes, time.Now())
	if err := h.setJSON(ctx, cache.KeyIVSurface(args.Product), surface, h.cfg.SurfaceTTL); err != nil {
		return Transient(err)
	}
	return Ok()
}

// claim atomically sets the idempotency gate. False means another
// delivery already holds (or completed) it.
func (h *Handlers) claim(ctx context.Context, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, h.cfg.CacheTimeout)
	defer cancel()
	return h.cache.MarkProcessed(cctx, key, h.cfg.IdempotencyTTL)
}

// release rolls the gate back after a failed effect so the retry can run.
// Best effort: if the delete itself fails the gate's TTL bounds the
// damage to one suppressed enrichment cycle.
func (h *Handlers) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CacheTimeout)
	defer cancel()
	if err := h.cache.ClearProcessed(ctx, key); err != nil {
		h.logger.Warn().Err(err).Str("key", key).Msg("Failed to roll back idempotency gate")
	}
}

func (h *Handlers) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, h.cfg.CacheTimeout)
	defer cancel()
	return h.cache.SetJSON(cctx, key, v, ttl)
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionstream/internal/bus"
	"optionstream/internal/cache"
	"optionstream/internal/taskqueue"
	"optionstream/internal/types"
)

// fakeStore is an in-memory Store. TicksSince/QuotesSince return canned
// slices; write failures are injected through the err fields.
type fakeStore struct {
	mu           sync.Mutex
	ticks        []types.UnderlyingTick
	quotes       []types.OptionQuote
	chains       []types.EnrichedChain
	chainSeen    map[string]bool
	ticksSince   []types.UnderlyingTick
	quotesSince  []types.OptionQuote
	tickErr      error
	quoteErr     error
	chainErr     error
	tickAttempts int
}

func (f *fakeStore) InsertTick(_ context.Context, tick *types.UnderlyingTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickAttempts++
	if f.tickErr != nil {
		return f.tickErr
	}
	f.ticks = append(f.ticks, *tick)
	return nil
}

func (f *fakeStore) InsertQuote(_ context.Context, quote *types.OptionQuote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return f.quoteErr
	}
	f.quotes = append(f.quotes, *quote)
	return nil
}

func (f *fakeStore) InsertEnrichedChain(_ context.Context, chain *types.EnrichedChain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chainErr != nil {
		return f.chainErr
	}
	// Same contract as the real store: the unique index on (product,
	// expiry, generated_at) turns a re-insert into a no-op success.
	key := chain.Product + "|" + chain.Expiry + "|" + chain.GeneratedAt.Format(time.RFC3339Nano)
	if f.chainSeen[key] {
		return nil
	}
	if f.chainSeen == nil {
		f.chainSeen = make(map[string]bool)
	}
	f.chainSeen[key] = true
	f.chains = append(f.chains, *chain)
	return nil
}

func (f *fakeStore) chainCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chains)
}

func (f *fakeStore) TicksSince(_ context.Context, _ string, _ time.Time) ([]types.UnderlyingTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticksSince, nil
}

func (f *fakeStore) QuotesSince(_ context.Context, _ string, _ time.Time) ([]types.OptionQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quotesSince, nil
}

func (f *fakeStore) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

// fakeCache mirrors the Redis semantics the handlers rely on: SET with
// TTL, SETNX for the idempotency gate, and the DLQ list.
type fakeCache struct {
	mu        sync.Mutex
	values    map[string]string
	ttls      map[string]time.Duration
	processed map[string]bool
	dlq       []types.DLQEntry
	setErr    error
	markErr   error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:    make(map[string]string),
		ttls:      make(map[string]time.Duration),
		processed: make(map[string]bool),
	}
}

func (f *fakeCache) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.values[key] = string(data)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCache) MarkProcessed(_ context.Context, key string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return false, f.markErr
	}
	if f.processed[key] {
		return false, nil
	}
	f.processed[key] = true
	return true, nil
}

func (f *fakeCache) ClearProcessed(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.processed, key)
	return nil
}

func (f *fakeCache) DeadLetter(_ context.Context, entry types.DLQEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dlq = append(f.dlq, entry)
	return nil
}

func (f *fakeCache) get(t *testing.T, key string, out any) {
	t.Helper()
	f.mu.Lock()
	raw, ok := f.values[key]
	f.mu.Unlock()
	require.True(t, ok, "expected cache key %s", key)
	require.NoError(t, json.Unmarshal([]byte(raw), out))
}

func (f *fakeCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	return ok
}

func (f *fakeCache) dlqEntries() []types.DLQEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.DLQEntry, len(f.dlq))
	copy(out, f.dlq)
	return out
}

// fakePublisher records published events by subject.
type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (f *fakePublisher) PublishJSON(subject string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.subjects))
	copy(out, f.subjects)
	return out
}

// fakeEnqueuer captures subsidiary tasks.
type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*taskqueue.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *taskqueue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeEnqueuer) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tasks))
	for i, t := range f.tasks {
		out[i] = t.Name
	}
	return out
}

func testHandlerConfig() HandlerConfig {
	return HandlerConfig{
		LatestTTL:       5 * time.Minute,
		SurfaceTTL:      5 * time.Minute,
		IdempotencyTTL:  time.Hour,
		OHLCWindows:     []int{1, 5},
		SurfaceLookback: 5 * time.Minute,
		StoreTimeout:    time.Second,
		CacheTimeout:    time.Second,
	}
}

func newTestHandlers(t *testing.T) (*Handlers, *fakeStore, *fakeCache, *fakePublisher, *fakeEnqueuer) {
	t.Helper()
	fs := &fakeStore{}
	fc := newFakeCache()
	fp := &fakePublisher{}
	fe := &fakeEnqueuer{}
	h := NewHandlers(fs, fc, fp, fe, testHandlerConfig(), zerolog.Nop())
	return h, fs, fc, fp, fe
}

func mustTask(t *testing.T, name string, args any) *taskqueue.Task {
	t.Helper()
	task, err := taskqueue.NewTask(name, args)
	require.NoError(t, err)
	return task
}

func tickFixture() types.UnderlyingTick {
	return types.UnderlyingTick{
		Product:     "NIFTY",
		Price:       21500,
		GeneratedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		TickID:      42,
	}
}

func chainFixture() types.OptionChain {
	strikes := []float64{21000, 21500, 22000}
	calls := make([]types.OptionQuote, len(strikes))
	puts := make([]types.OptionQuote, len(strikes))
	for i, k := range strikes {
		calls[i] = types.OptionQuote{
			Product: "NIFTY", Strike: k, Expiry: "2026-08-27", Side: types.SideCall,
			Last: 100, Volume: 1000, OpenInterest: 40000,
		}
		puts[i] = types.OptionQuote{
			Product: "NIFTY", Strike: k, Expiry: "2026-08-27", Side: types.SidePut,
			Last: 80, Volume: 500, OpenInterest: 30000,
		}
	}
	return types.OptionChain{
		Product:     "NIFTY",
		Expiry:      "2026-08-27",
		SpotPrice:   21480,
		Strikes:     strikes,
		Calls:       calls,
		Puts:        puts,
		GeneratedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
}

func TestEnrichUnderlyingHappyPath(t *testing.T) {
	h, fs, fc, fp, fe := newTestHandlers(t)
	tick := tickFixture()

	res := h.Handle(context.Background(), mustTask(t, taskqueue.TaskEnrichUnderlying, tick))
	require.True(t, res.IsOk())

	require.Equal(t, 1, fs.tickCount())
	assert.False(t, fs.ticks[0].ProcessedAt.IsZero(), "processed_at must be stamped before persisting")

	var latest types.LatestUnderlying
	fc.get(t, cache.KeyLatestUnderlying("NIFTY"), &latest)
	assert.Equal(t, 21500.0, latest.Price)

	assert.Equal(t, []string{bus.SubjectEnrichedUnderlying}, fp.published())

	// One OHLC recompute per configured window.
	assert.Equal(t, []string{taskqueue.TaskOHLC, taskqueue.TaskOHLC}, fe.names())
}

func TestEnrichUnderlyingReplayIsNoOp(t *testing.T) {
	h, fs, _, fp, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskEnrichUnderlying, tickFixture())

	require.True(t, h.Handle(context.Background(), task).IsOk())
	require.True(t, h.Handle(context.Background(), task).IsOk(), "redelivery must succeed")

	assert.Equal(t, 1, fs.tickCount(), "replay must not insert a second tick")
	assert.Len(t, fp.published(), 1, "replay must not publish a second event")
}

func TestEnrichUnderlyingRollsBackGateOnStoreFailure(t *testing.T) {
	h, fs, fc, _, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskEnrichUnderlying, tickFixture())

	fs.tickErr = errors.New("mongo down")
	res := h.Handle(context.Background(), task)
	require.True(t, res.IsTransient())

	fc.mu.Lock()
	gateHeld := fc.processed[cache.KeyProcessedUnderlying("NIFTY", 42)]
	fc.mu.Unlock()
	assert.False(t, gateHeld, "failed task must release the idempotency gate")

	// The retry sees a clean gate and completes.
	fs.tickErr = nil
	require.True(t, h.Handle(context.Background(), task).IsOk())
	assert.Equal(t, 1, fs.tickCount())
}

func TestEnrichUnderlyingRollsBackGateOnPublishFailure(t *testing.T) {
	h, _, fc, fp, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskEnrichUnderlying, tickFixture())

	fp.err = errors.New("bus unavailable")
	res := h.Handle(context.Background(), task)
	require.True(t, res.IsTransient())

	fc.mu.Lock()
	gateHeld := fc.processed[cache.KeyProcessedUnderlying("NIFTY", 42)]
	fc.mu.Unlock()
	assert.False(t, gateHeld)
}

func TestEnrichQuotePersistsOnce(t *testing.T) {
	h, fs, _, _, _ := newTestHandlers(t)
	quote := types.OptionQuote{
		Symbol:      "NIFTY26AUG21500CE",
		Product:     "NIFTY",
		Strike:      21500,
		Expiry:      "2026-08-27",
		Side:        types.SideCall,
		IV:          0.18,
		GeneratedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
	task := mustTask(t, taskqueue.TaskEnrichQuote, quote)

	require.True(t, h.Handle(context.Background(), task).IsOk())
	require.True(t, h.Handle(context.Background(), task).IsOk())

	require.Len(t, fs.quotes, 1)
	assert.Equal(t, "NIFTY26AUG21500CE", fs.quotes[0].Symbol)
}

func TestEnrichChainComputesAndFansOut(t *testing.T) {
	h, fs, fc, fp, _ := newTestHandlers(t)
	chain := chainFixture()

	res := h.Handle(context.Background(), mustTask(t, taskqueue.TaskEnrichChain, chain))
	require.True(t, res.IsOk())

	require.Len(t, fs.chains, 1)
	enriched := fs.chains[0]
	require.NotNil(t, enriched.PCROI)
	assert.Equal(t, 0.75, *enriched.PCROI) // 90000 put OI / 120000 call OI
	require.NotNil(t, enriched.PCRVolume)
	assert.Equal(t, 0.5, *enriched.PCRVolume)
	assert.Equal(t, 21500.0, enriched.ATMStrike)
	assert.Equal(t, 180.0, enriched.ATMStraddlePrice)

	var cached types.EnrichedChain
	fc.get(t, cache.KeyLatestChain("NIFTY", "2026-08-27"), &cached)
	assert.Equal(t, enriched.MaxPainStrike, cached.MaxPainStrike)

	var pcr types.PCRSnapshot
	fc.get(t, cache.KeyLatestPCR("NIFTY", "2026-08-27"), &pcr)
	require.NotNil(t, pcr.PCROI)
	assert.Equal(t, 0.75, *pcr.PCROI)

	assert.Equal(t, []string{bus.SubjectEnrichedChain}, fp.published())
}

func TestEnrichChainRetryAfterPartialFailureKeepsOneRecord(t *testing.T) {
	h, fs, fc, fp, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskEnrichChain, chainFixture())

	// The insert goes through, then the cache write fails: the gate rolls
	// back and the task is retried.
	fc.setErr = errors.New("redis timeout")
	res := h.Handle(context.Background(), task)
	require.True(t, res.IsTransient())
	require.Equal(t, 1, fs.chainCount())
	assert.Empty(t, fp.published())

	// The retry re-runs every side effect; the store's unique index turns
	// the second insert into a no-op, so exactly one record survives.
	fc.setErr = nil
	require.True(t, h.Handle(context.Background(), task).IsOk())

	assert.Equal(t, 1, fs.chainCount())
	assert.True(t, fc.has(cache.KeyLatestChain("NIFTY", "2026-08-27")))
	assert.Equal(t, []string{bus.SubjectEnrichedChain}, fp.published())
}

func TestOHLCWindowCachedWithWindowTTL(t *testing.T) {
	h, fs, fc, _, _ := newTestHandlers(t)
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fs.ticksSince = []types.UnderlyingTick{
		{Product: "NIFTY", Price: 10, GeneratedAt: base, TickID: 1},
		{Product: "NIFTY", Price: 12, GeneratedAt: base.Add(time.Minute), TickID: 2},
		{Product: "NIFTY", Price: 9, GeneratedAt: base.Add(2 * time.Minute), TickID: 3},
	}

	task := mustTask(t, taskqueue.TaskOHLC, taskqueue.OHLCArgs{Product: "NIFTY", WindowMinutes: 5})
	require.True(t, h.Handle(context.Background(), task).IsOk())

	key := cache.KeyOHLC("NIFTY", 5)
	var w types.OHLCWindow
	fc.get(t, key, &w)
	assert.Equal(t, 10.0, w.Open)
	assert.Equal(t, 12.0, w.High)
	assert.Equal(t, 9.0, w.Low)
	assert.Equal(t, 9.0, w.Close)
	assert.Equal(t, 3, w.NumTicks)
	assert.Equal(t, 5*time.Minute, fc.ttls[key])
}

func TestOHLCEmptyWindowSkips(t *testing.T) {
	h, _, fc, _, _ := newTestHandlers(t)

	task := mustTask(t, taskqueue.TaskOHLC, taskqueue.OHLCArgs{Product: "NIFTY", WindowMinutes: 5})
	require.True(t, h.Handle(context.Background(), task).IsOk())
	assert.False(t, fc.has(cache.KeyOHLC("NIFTY", 5)), "empty window must not be cached")
}

func TestOHLCRejectsNonPositiveWindow(t *testing.T) {
	h, _, _, _, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskOHLC, taskqueue.OHLCArgs{Product: "NIFTY", WindowMinutes: 0})
	assert.True(t, h.Handle(context.Background(), task).IsPermanent())
}

func TestIVSurfaceCachesAndSkipsWhenEmpty(t *testing.T) {
	h, fs, fc, _, _ := newTestHandlers(t)
	task := mustTask(t, taskqueue.TaskIVSurface, taskqueue.IVSurfaceArgs{Product: "NIFTY"})

	// No quotes in the lookback window: nothing to build.
	require.True(t, h.Handle(context.Background(), task).IsOk())
	assert.False(t, fc.has(cache.KeyIVSurface("NIFTY")))

	fs.quotesSince = []types.OptionQuote{
		{Product: "NIFTY", Strike: 21500, Expiry: "2026-08-27", Side: types.SideCall, IV: 0.18,
			GeneratedAt: time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)},
	}
	require.True(t, h.Handle(context.Background(), task).IsOk())

	var surface types.VolatilitySurface
	fc.get(t, cache.KeyIVSurface("NIFTY"), &surface)
	require.Len(t, surface.Expiries, 1)
	assert.Equal(t, []float64{0.18}, surface.Expiries[0].IVs)
}

func TestCorruptArgsArePermanent(t *testing.T) {
	h, _, _, _, _ := newTestHandlers(t)
	for _, name := range []string{
		taskqueue.TaskEnrichUnderlying,
		taskqueue.TaskEnrichQuote,
		taskqueue.TaskEnrichChain,
		taskqueue.TaskOHLC,
		taskqueue.TaskIVSurface,
	} {
		task := &taskqueue.Task{ID: "x", Name: name, Args: json.RawMessage(`"not an object"`)}
		assert.True(t, h.Handle(context.Background(), task).IsPermanent(), name)
	}
}

func TestUnknownTaskIsPermanent(t *testing.T) {
	h, _, _, _, _ := newTestHandlers(t)
	task := &taskqueue.Task{ID: "x", Name: "frobnicate", Args: json.RawMessage(`{}`)}
	assert.True(t, h.Handle(context.Background(), task).IsPermanent())
}

func TestClaimErrorIsTransient(t *testing.T) {
	h, fs, fc, _, _ := newTestHandlers(t)
	fc.markErr = errors.New("redis timeout")

	res := h.Handle(context.Background(), mustTask(t, taskqueue.TaskEnrichUnderlying, tickFixture()))
	assert.True(t, res.IsTransient())
	assert.Zero(t, fs.tickCount(), "no side effects before the gate is claimed")
}

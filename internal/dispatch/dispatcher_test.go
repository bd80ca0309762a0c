package dispatch

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
	"optionstream/internal/taskqueue"
	"optionstream/internal/types"
)

// fakeBus records handlers so tests can inject raw messages directly.
type fakeBus struct {
	handlers map[string]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]func([]byte))}
}

func (f *fakeBus) Subscribe(subject string, handler func([]byte)) error {
	f.handlers[subject] = handler
	return nil
}

func (f *fakeBus) deliver(subject string, v any) {
	data, _ := json.Marshal(v)
	f.handlers[subject](data)
}

// fakeQueue captures enqueued tasks and can fail a configurable number
// of times.
type fakeQueue struct {
	mu        sync.Mutex
	tasks     []*taskqueue.Task
	failTimes int
}

func (f *fakeQueue) Enqueue(_ context.Context, t *taskqueue.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTimes > 0 {
		f.failTimes--
		return errors.New("queue unavailable")
	}
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeQueue) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tasks))
	for i, t := range f.tasks {
		out[i] = t.Name
	}
	return out
}

func newDispatcher(t *testing.T) (*Dispatcher, *fakeBus, *fakeQueue) {
	t.Helper()
	fb := newFakeBus()
	fq := &fakeQueue{}
	d := New(fb, fq, time.Second, zerolog.Nop())
	require.NoError(t, d.Start())
	return d, fb, fq
}

func validTick() types.UnderlyingTick {
	return types.UnderlyingTick{
		Product:     "NIFTY",
		Price:       21500,
		GeneratedAt: time.Now().UTC(),
		TickID:      1,
	}
}

func validChain() types.OptionChain {
	return types.OptionChain{
		Product:     "NIFTY",
		Expiry:      "2026-08-27",
		SpotPrice:   21500,
		Strikes:     []float64{21000, 21500, 22000},
		GeneratedAt: time.Now().UTC(),
	}
}

func TestDispatchUnderlyingEnqueuesOneTask(t *testing.T) {
	_, fb, fq := newDispatcher(t)

	fb.deliver(bus.SubjectRawUnderlying, validTick())

	require.Len(t, fq.tasks, 1)
	assert.Equal(t, taskqueue.TaskEnrichUnderlying, fq.tasks[0].Name)

	var got types.UnderlyingTick
	require.NoError(t, json.Unmarshal(fq.tasks[0].Args, &got))
	assert.Equal(t, "NIFTY", got.Product)
	assert.Equal(t, int64(1), got.TickID)
}

func TestDispatchChainEnqueuesChainAndSurfaceTasks(t *testing.T) {
	_, fb, fq := newDispatcher(t)

	fb.deliver(bus.SubjectRawOptionChain, validChain())

	assert.Equal(t, []string{taskqueue.TaskEnrichChain, taskqueue.TaskIVSurface}, fq.names())
}

func TestDispatchDropsMalformedPayload(t *testing.T) {
	_, fb, fq := newDispatcher(t)

	fb.handlers[bus.SubjectRawUnderlying]([]byte("{not json"))

	assert.Empty(t, fq.tasks)
}

func TestDispatchDropsInvalidPayload(t *testing.T) {
	_, fb, fq := newDispatcher(t)

	tick := validTick()
	tick.Product = "bad product!" // fails symbol pattern
	fb.deliver(bus.SubjectRawUnderlying, tick)

	tick = validTick()
	tick.Price = -1
	fb.deliver(bus.SubjectRawUnderlying, tick)

	assert.Empty(t, fq.tasks)
}

func TestDispatchRetriesEnqueueOnceThenDrops(t *testing.T) {
	fb := newFakeBus()

	// First attempt fails, the single retry succeeds.
	fq := &fakeQueue{failTimes: 1}
	d := New(fb, fq, time.Second, zerolog.Nop())
	require.NoError(t, d.Start())
	fb.deliver(bus.SubjectRawUnderlying, validTick())
	assert.Len(t, fq.tasks, 1)

	// Both attempts fail: message is dropped, no third try.
	fq2 := &fakeQueue{failTimes: 2}
	d2 := New(fb, fq2, time.Second, zerolog.Nop())
	require.NoError(t, d2.Start())
	fb.deliver(bus.SubjectRawUnderlying, validTick())
	assert.Empty(t, fq2.tasks)
	assert.Zero(t, fq2.failTimes, "exactly two attempts expected")
}

func TestDispatchQuoteValidation(t *testing.T) {
	_, fb, fq := newDispatcher(t)

	quote := types.OptionQuote{
		Symbol:      "NIFTY26AUG21500CE",
		Product:     "NIFTY",
		Strike:      21500,
		Expiry:      "2026-08-27",
		Side:        types.SideCall,
		GeneratedAt: time.Now().UTC(),
	}
	fb.deliver(bus.SubjectRawOptionQuote, quote)
	require.Len(t, fq.tasks, 1)
	assert.Equal(t, taskqueue.TaskEnrichQuote, fq.tasks[0].Name)

	quote.Side = "STRADDLE"
	fb.deliver(bus.SubjectRawOptionQuote, quote)
	assert.Len(t, fq.tasks, 1, "invalid side must be dropped")
}

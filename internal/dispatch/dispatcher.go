// Package dispatch is the ingestion boundary: it subscribes to the raw
// feed channels on the bus and turns each message into enrichment tasks
// with minimal work on the hot path.
//
// Failure policy: malformed payloads are logged and dropped, never
// retried. A failed enqueue is retried once within a bounded timeout and
// then dropped with a metric; the feed will produce a fresh message soon
// enough that blocking the subscription is never worth it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"optionstream/internal/bus"
	"optionstream/internal/metrics"
	"optionstream/internal/taskqueue"
	"optionstream/internal/types"
)

// Enqueuer is the slice of the task queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, t *taskqueue.Task) error
}

// Subscriber is the slice of the bus the dispatcher needs.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// Dispatcher subscribes to raw channels and enqueues enrichment tasks.
type Dispatcher struct {
	bus            Subscriber
	queue          Enqueuer
	logger         zerolog.Logger
	enqueueTimeout time.Duration
}

// New builds a dispatcher. Start must be called to begin consuming.
func New(b Subscriber, q Enqueuer, enqueueTimeout time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:            b,
		queue:          q,
		logger:         logger.With().Str("component", "dispatcher").Logger(),
		enqueueTimeout: enqueueTimeout,
	}
}

// Start subscribes to the three raw channels. Handlers run on the bus
// client's delivery goroutine; everything they do is bounded by the
// enqueue timeout.
func (d *Dispatcher) Start() error {
	if err := d.bus.Subscribe(bus.SubjectRawUnderlying, d.handleUnderlying); err != nil {
		return err
	}
	if err := d.bus.Subscribe(bus.SubjectRawOptionQuote, d.handleQuote); err != nil {
		return err
	}
	if err := d.bus.Subscribe(bus.SubjectRawOptionChain, d.handleChain); err != nil {
		return err
	}
	d.logger.Info().Msg("Dispatcher subscribed to raw channels")
	return nil
}

func (d *Dispatcher) handleUnderlying(data []byte) {
	metrics.RawMessagesReceived.WithLabelValues("raw:underlying").Inc()

	var tick types.UnderlyingTick
	if err := json.Unmarshal(data, &tick); err != nil {
		d.drop("raw:underlying", "malformed", err)
		return
	}
	if err := tick.Validate(); err != nil {
		d.drop("raw:underlying", "invalid", err)
		return
	}

	d.enqueue("raw:underlying", taskqueue.TaskEnrichUnderlying, tick)
}

func (d *Dispatcher) handleQuote(data []byte) {
	metrics.RawMessagesReceived.WithLabelValues("raw:option_quote").Inc()

	var quote types.OptionQuote
	if err := json.Unmarshal(data, &quote); err != nil {
		d.drop("raw:option_quote", "malformed", err)
		return
	}
	if err := quote.Validate(); err != nil {
		d.drop("raw:option_quote", "invalid", err)
		return
	}

	d.enqueue("raw:option_quote", taskqueue.TaskEnrichQuote, quote)
}

func (d *Dispatcher) handleChain(data []byte) {
	metrics.RawMessagesReceived.WithLabelValues("raw:option_chain").Inc()

	var chain types.OptionChain
	if err := json.Unmarshal(data, &chain); err != nil {
		d.drop("raw:option_chain", "malformed", err)
		return
	}
	if err := chain.Validate(); err != nil {
		d.drop("raw:option_chain", "invalid", err)
		return
	}

	// Each chain produces two tasks: the enrichment itself and a surface
	// recompute for the product.
	d.enqueue("raw:option_chain", taskqueue.TaskEnrichChain, chain)
	d.enqueue("raw:option_chain", taskqueue.TaskIVSurface, taskqueue.IVSurfaceArgs{Product: chain.Product})
}

// enqueue builds the task envelope and pushes it, retrying once on
// failure before dropping the message.
func (d *Dispatcher) enqueue(channel, name string, args any) {
	task, err := taskqueue.NewTask(name, args)
	if err != nil {
		d.drop(channel, "encode", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.enqueueTimeout)
	defer cancel()

	err = d.queue.Enqueue(ctx, task)
	if err != nil {
		// One retry, then give up. The queue being down is a transient
		// infrastructure condition; S must not buffer unboundedly.
		err = d.queue.Enqueue(ctx, task)
	}
	if err != nil {
		metrics.RawMessagesDropped.WithLabelValues(channel, "enqueue_failed").Inc()
		d.logger.Error().
			Err(err).
			Str("channel", channel).
			Str("task", name).
			Msg("Dropped message after enqueue retry")
		return
	}

	metrics.TasksEnqueued.WithLabelValues(name).Inc()
}

func (d *Dispatcher) drop(channel, reason string, err error) {
	metrics.RawMessagesDropped.WithLabelValues(channel, reason).Inc()

	evt := d.logger.Warn()
	if errors.Is(err, types.ErrValidation) {
		evt = d.logger.Debug()
	}
	evt.Err(err).
		Str("channel", channel).
		Str("reason", reason).
		Msg("Dropped raw message")
}

// Package bus wraps the NATS connection used for raw ingestion channels,
// enriched publication channels, and the cross-instance gateway fan-out.
//
// NATS delivers each published message to every plain subscriber, which is
// exactly the broadcast-adapter property the gateway relies on: every
// gateway instance receives every enriched event and delivers it to its
// own locally-connected sessions.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"optionstream/internal/metrics"
)

// Subjects published and consumed by the pipeline. Dots are the NATS
// convention; these map 1:1 onto the raw:*/enriched:* channel names of
// the feed contract.
const (
	SubjectRawUnderlying  = "md.raw.underlying"
	SubjectRawOptionQuote = "md.raw.option_quote"
	SubjectRawOptionChain = "md.raw.option_chain"

	SubjectEnrichedUnderlying = "md.enriched.underlying"
	SubjectEnrichedChain      = "md.enriched.option_chain"
)

// Conn is a thin wrapper over a NATS connection that standardizes
// reconnect behavior, JSON publishing, and subscription bookkeeping.
type Conn struct {
	nc     *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Reconnect backoff bounds: 1s doubling per attempt, capped at 30s.
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// reconnectDelay implements the doubling backoff schedule the client
// follows between reconnect attempts. attempts counts from 1.
func reconnectDelay(attempts int) time.Duration {
	delay := reconnectBaseDelay
	for i := 1; i < attempts && delay < reconnectMaxDelay; i++ {
		delay *= 2
	}
	if delay > reconnectMaxDelay {
		delay = reconnectMaxDelay
	}
	return delay
}

// Connect dials NATS with infinite reconnects and exponential backoff.
// Subscriptions survive reconnects; the client replays them on the new
// connection.
func Connect(url string, logger zerolog.Logger) (*Conn, error) {
	c := &Conn{
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(reconnectDelay),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("Bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusReconnects.Inc()
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			evt := logger.Error().Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("Bus async error")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	c.nc = nc
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to bus")
	return c, nil
}

// Subscribe registers handler for subject. The handler runs on the NATS
// client's delivery goroutine; handlers must not block for long.
func (c *Conn) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	c.logger.Info().Str("subject", subject).Msg("Subscribed")
	return nil
}

// Publish sends raw bytes on subject.
func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it on subject.
func (c *Conn) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Flush waits for the server to process everything published so far.
func (c *Conn) Flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}

// IsConnected reports live connectivity, used by health endpoints.
func (c *Conn) IsConnected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains subscriptions and closes the connection. Drain lets
// in-flight deliveries finish before teardown.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("Error unsubscribing")
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
		c.logger.Info().Msg("Bus connection closed")
	}
}

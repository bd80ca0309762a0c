package gateway

import (
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"optionstream/internal/metrics"
)

// readPump consumes inbound frames for one session until the connection
// drops. It owns the session teardown: whatever ends the loop, the
// deferred disconnect runs exactly once.
//
// The read deadline is re-armed on every frame, control frames included,
// so a passive client that only answers protocol pings stays connected
// indefinitely. Only a peer that stops ponging times out.
func (s *Server) readPump(c *Client) {
	reason := "read_error"
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("client_id", c.ID).
				Interface("panic_value", r).
				Msg("Read pump panic recovered")
			reason = "internal_error"
		}
		s.disconnectClient(c, reason, "client")
	}()

	controlHandler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode.IsControl() {
			// Replies to pings and discards pongs; close frames surface
			// as an error and land on the deferred disconnect.
			if err := controlHandler(hdr, reader); err != nil {
				return
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := reader.Discard(); err != nil {
				return
			}
			continue
		}

		if hdr.Length > maxInboundBytes {
			s.sendError(c, "message too large")
			if err := reader.Discard(); err != nil {
				return
			}
			continue
		}

		msg, err := io.ReadAll(reader)
		if err != nil {
			return
		}

		// Per-client inbound rate limit. Over-limit messages are dropped
		// with an error event; the session survives a temporary spike.
		if !c.limiter.Allow() {
			metrics.RateLimitedMessages.Inc()
			s.logger.Warn().
				Str("client_id", c.ID).
				Float64("rate_limit_per_sec", s.cfg.MsgRate).
				Msg("Client rate limited")
			s.sendError(c, "too many messages, slow down")
			continue
		}

		s.handleClientMessage(c, msg)
	}
}

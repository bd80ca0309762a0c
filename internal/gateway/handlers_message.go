package gateway

import (
	"context"
	"encoding/json"
	"time"

	"optionstream/internal/cache"
	"optionstream/internal/metrics"
	"optionstream/internal/types"
)

// handleClientMessage dispatches one inbound text frame. Protocol errors
// produce an error event and leave the session and its rooms untouched.
func (s *Server) handleClientMessage(c *Client, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Debug().Str("client_id", c.ID).Err(err).Msg("Client sent invalid JSON")
		s.sendError(c, "invalid JSON")
		return
	}

	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(c, msg.Data)

	case "unsubscribe":
		s.handleUnsubscribe(c, msg.Data)

	case "disconnect":
		// Client-announced goodbye. Tear the session down cleanly instead
		// of waiting for the socket to drop.
		s.logger.Info().Str("client_id", c.ID).Msg("Client requested disconnect")
		s.disconnectClient(c, "client_request", "client")

	case "heartbeat":
		// Application-level keep-alive for clients whose WebSocket
		// library hides protocol ping/pong. Echoes server time so the
		// client can detect clock skew.
		if data, err := marshalEvent(EventPong, pongData{ServerTime: time.Now().UnixMilli()}); err == nil {
			c.trySend(EventPong, data)
		}

	default:
		s.logger.Debug().
			Str("client_id", c.ID).
			Str("message_type", msg.Type).
			Msg("Client sent unknown message type")
		s.sendError(c, "unknown message type "+msg.Type)
	}
}

func (s *Server) handleSubscribe(c *Client, data []byte) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "invalid subscribe request")
		return
	}
	room, err := RoomForRequest(req.Kind, req.Symbol)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	if !c.rooms.Has(room) {
		c.rooms.Add(room)
		s.rooms.Add(room, c)
		metrics.RoomMembers.WithLabelValues(roomKind(room)).Inc()
	}

	s.logger.Info().
		Str("client_id", c.ID).
		Str("room", room).
		Int("room_count", c.rooms.Count()).
		Msg("Client subscribed")

	if data, err := marshalEvent(EventSubscribed, roomData{Room: room}); err == nil {
		c.trySend(EventSubscribed, data)
	}

	s.sendSnapshot(c, req.Kind, req.Symbol)
}

func (s *Server) handleUnsubscribe(c *Client, data []byte) {
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError(c, "invalid unsubscribe request")
		return
	}
	room, err := RoomForRequest(req.Kind, req.Symbol)
	if err != nil {
		s.sendError(c, err.Error())
		return
	}

	if c.rooms.Has(room) {
		c.rooms.Remove(room)
		s.rooms.Remove(room, c)
		metrics.RoomMembers.WithLabelValues(roomKind(room)).Dec()
	}

	s.logger.Info().
		Str("client_id", c.ID).
		Str("room", room).
		Msg("Client unsubscribed")

	if data, err := marshalEvent(EventUnsubscribed, roomData{Room: room}); err == nil {
		c.trySend(EventUnsubscribed, data)
	}
}

// sendSnapshot delivers the current cached value for a freshly joined
// room, so the client renders immediately instead of waiting for the
// next enrichment cycle. Best effort: a cache miss sends nothing.
func (s *Server) sendSnapshot(c *Client, kind, symbol string) {
	if kind != "product" {
		// Chain rooms have no single latest key (one per expiry); the
		// next enriched chain fills the gap within one feed cycle.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CacheTimeout)
	defer cancel()

	var latest types.LatestUnderlying
	found, err := s.cache.GetJSON(ctx, cache.KeyLatestUnderlying(symbol), &latest)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", symbol).Msg("Snapshot read failed")
		return
	}
	if !found {
		return
	}

	if data, err := marshalEvent(EventUnderlyingTick, types.EnrichedUnderlying{
		Product:     symbol,
		Price:       latest.Price,
		GeneratedAt: latest.GeneratedAt,
	}); err == nil {
		c.trySend(EventUnderlyingTick, data)
	}
}

// sendError emits a client-facing error event without touching session
// state. Best effort on a full buffer.
func (s *Server) sendError(c *Client, message string) {
	if data, err := marshalEvent(EventError, errorData{Message: message}); err == nil {
		c.trySend(EventError, data)
	}
}

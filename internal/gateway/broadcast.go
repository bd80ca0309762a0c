package gateway

import (
	"encoding/json"
	"sync/atomic"

	"github.com/gobwas/ws"

	"optionstream/internal/bus"
	"optionstream/internal/metrics"
	"optionstream/internal/types"
)

// Strikes before a session whose send buffer stays full is disconnected.
// One strike per dropped broadcast; any delivered event resets the count.
const slowClientStrikes = 3

// subscribeEnriched attaches the gateway to the enriched subjects. The
// handlers run on the bus client's delivery goroutine, so delivery into
// client buffers is strictly non-blocking.
func (s *Server) subscribeEnriched() error {
	if err := s.bus.Subscribe(bus.SubjectEnrichedUnderlying, s.onEnrichedUnderlying); err != nil {
		return err
	}
	return s.bus.Subscribe(bus.SubjectEnrichedChain, s.onEnrichedChain)
}

func (s *Server) onEnrichedUnderlying(data []byte) {
	var ev types.EnrichedUnderlying
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed enriched underlying event")
		return
	}

	payload, err := marshalEvent(EventUnderlyingTick, ev)
	if err != nil {
		s.logger.Error().Err(err).Str("product", ev.Product).Msg("Failed to serialize underlying update")
		return
	}

	// Targets the product room and general. Every session sits in
	// general, so the union collapses to one delivery per session.
	s.broadcastRooms(EventUnderlyingTick, payload, ProductRoom(ev.Product), RoomGeneral)
}

func (s *Server) onEnrichedChain(data []byte) {
	var chain types.EnrichedChain
	if err := json.Unmarshal(data, &chain); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed enriched chain event")
		return
	}

	// The general room gets the compact summary; the chain room gets the
	// full strike ladder with analytics.
	if payload, err := marshalEvent(EventChainSummary, chain.Summary()); err == nil {
		s.broadcastRooms(EventChainSummary, payload, RoomGeneral)
	}
	if payload, err := marshalEvent(EventChainUpdate, &chain); err == nil {
		s.broadcastRooms(EventChainUpdate, payload, ChainRoom(chain.Product))
	}
}

// broadcastRooms delivers one pre-serialized event to every session in
// the union of the given rooms, at most once per session. The payload is
// marshaled once and shared by all recipients.
func (s *Server) broadcastRooms(event string, payload []byte, rooms ...string) {
	var seen map[*Client]struct{}
	if len(rooms) > 1 {
		seen = make(map[*Client]struct{})
	}
	for _, room := range rooms {
		for _, c := range s.rooms.Members(room) {
			if seen != nil {
				if _, dup := seen[c]; dup {
					continue
				}
				seen[c] = struct{}{}
			}
			s.deliver(c, event, payload)
		}
	}
}

// deliver queues one event for one session, applying the slow-client
// policy on overflow. Never blocks: a full buffer is a strike, not a
// stall for every other session in the room.
func (s *Server) deliver(c *Client, event string, payload []byte) {
	if c.trySend(event, payload) {
		atomic.StoreInt32(&c.sendFails, 0)
		return
	}

	fails := atomic.AddInt32(&c.sendFails, 1)
	if fails == 1 && atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1) {
		s.logger.Warn().
			Str("client_id", c.ID).
			Str("event", event).
			Int("buffer_cap", cap(c.send)).
			Msg("Client send buffer full")
	}

	if fails >= slowClientStrikes {
		s.logger.Warn().
			Str("client_id", c.ID).
			Int32("consecutive_failures", fails).
			Msg("Disconnecting slow client")
		metrics.SlowClientsDisconnected.Inc()

		// Queue a 1008 close frame for the write pump; writing to the
		// socket from this goroutine could interleave with a frame the
		// pump has in flight.
		select {
		case c.closeFrame <- ws.NewCloseFrameBody(ws.StatusPolicyViolation, "too slow to consume events"):
		default:
		}
		s.disconnectClient(c, "slow_client", "server")
	}
}

package gateway

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gobwas/ws"

	"optionstream/internal/metrics"
)

// handleWebSocket upgrades an HTTP request into a session: admission
// checks, upgrade, registration in the general room, the server-initiated
// connected handshake, then the two pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Admission is a non-blocking semaphore: at capacity we reject
	// immediately instead of queueing upgrades.
	select {
	case s.connectionsSem <- struct{}{}:
	default:
		s.logger.Warn().
			Str("client_ip", clientIP(r)).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP(r)).
			Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(conn, s.cfg.SendBuffer, s.cfg.MsgRate, s.cfg.MsgBurst)
	c.rooms.Add(RoomGeneral)
	s.rooms.Add(RoomGeneral, c)
	s.clients.Store(c, struct{}{})

	current := atomic.AddInt64(&s.activeConns, 1)
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Set(float64(current))
	metrics.RoomMembers.WithLabelValues(RoomGeneral).Inc()

	// Handshake before the pumps start so it is the first frame out.
	if data, err := marshalEvent(EventConnected, connectedData{
		ClientID: c.ID,
		Rooms:    c.rooms.List(),
	}); err == nil {
		c.trySend(EventConnected, data)
	}

	s.logger.Info().
		Str("client_id", c.ID).
		Str("client_ip", clientIP(r)).
		Int64("current_connections", current).
		Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)
}

// clientIP resolves the originating address, honoring X-Forwarded-For
// when a load balancer fronts the gateway.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

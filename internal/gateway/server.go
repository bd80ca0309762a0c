// Package gateway is the client-facing fan-out tier: it terminates
// WebSocket sessions, tracks per-session room memberships, and delivers
// enriched events arriving on the bus to the sessions whose rooms match.
//
// Every gateway instance subscribes to the same enriched subjects, so in
// a multi-instance deployment each instance sees every event and serves
// only its locally-connected sessions. Room state is in-memory and dies
// with the session.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"optionstream/internal/metrics"
)

const (
	// Write deadline for a single frame. Slow enough for a congested
	// mobile link, fast enough to surface dead peers.
	writeWait = 5 * time.Second

	// A connection with no pong inside this window is considered dead.
	pongWait = 30 * time.Second

	// Must be shorter than pongWait so the peer has a ping to answer.
	pingPeriod = (pongWait * 9) / 10

	// Largest inbound frame accepted. Client messages are small control
	// frames (subscribe/unsubscribe/heartbeat).
	maxInboundBytes = 4096
)

// Config carries the gateway tunables, projected out of the process
// configuration at startup.
type Config struct {
	Addr           string
	MaxConnections int
	SendBuffer     int
	MsgRate        float64 // inbound messages/sec sustained, per client
	MsgBurst       int
	CacheTimeout   time.Duration
	DrainGrace     time.Duration
}

// Bus is the slice of the message bus the gateway consumes.
type Bus interface {
	Subscribe(subject string, handler func(data []byte)) error
	IsConnected() bool
}

// SnapshotCache serves the optional snapshot-on-subscribe reads.
type SnapshotCache interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
}

type Server struct {
	cfg    Config
	logger zerolog.Logger
	bus    Bus
	cache  SnapshotCache

	listener       net.Listener
	httpServer     *http.Server
	clients        sync.Map // *Client -> struct{}
	connectionsSem chan struct{}
	rooms          *RoomIndex
	activeConns    int64
	shuttingDown   int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the gateway. Start must be called to begin serving.
func NewServer(cfg Config, b Bus, cache SnapshotCache, logger zerolog.Logger) *Server {
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:            cfg,
		logger:         logger.With().Str("component", "gateway").Logger(),
		bus:            b,
		cache:          cache,
		connectionsSem: make(chan struct{}, cfg.MaxConnections),
		rooms:          NewRoomIndex(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start subscribes to the enriched subjects and begins accepting
// WebSocket connections. Non-blocking; Shutdown stops everything.
func (s *Server) Start() error {
	if err := s.subscribeEnriched(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", s.cfg.Addr).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")
	return nil
}

// Shutdown stops accepting connections, waits up to the drain grace for
// clients to disconnect on their own, then force-closes the rest.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	remaining := atomic.LoadInt64(&s.activeConns)
	s.logger.Info().
		Int64("active_connections", remaining).
		Dur("grace", s.cfg.DrainGrace).
		Msg("Draining client connections")

	deadline := time.NewTimer(s.cfg.DrainGrace)
	tick := time.NewTicker(time.Second)
	defer deadline.Stop()
	defer tick.Stop()

drain:
	for atomic.LoadInt64(&s.activeConns) > 0 {
		select {
		case <-deadline.C:
			left := atomic.LoadInt64(&s.activeConns)
			s.logger.Warn().Int64("remaining", left).Msg("Drain grace expired, force closing")
			break drain
		case <-tick.C:
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if c, ok := key.(*Client); ok {
			s.disconnectClient(c, "server_shutdown", "server")
		}
		return true
	})

	s.cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Gateway shutdown complete")
	return nil
}

// disconnectClient tears a session down exactly once: room membership,
// client registry, semaphore slot, and metrics. Any buffered but unsent
// events are discarded with the session.
func (s *Server) disconnectClient(c *Client, reason, initiatedBy string) {
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return // already gone
	}

	for _, room := range c.rooms.List() {
		metrics.RoomMembers.WithLabelValues(roomKind(room)).Dec()
	}
	s.rooms.RemoveClient(c)
	c.close()
	<-s.connectionsSem

	current := atomic.AddInt64(&s.activeConns, -1)
	metrics.ConnectionsActive.Set(float64(current))
	metrics.DisconnectsTotal.WithLabelValues(reason, initiatedBy).Inc()

	s.logger.Info().
		Str("client_id", c.ID).
		Str("reason", reason).
		Str("initiated_by", initiatedBy).
		Dur("session_duration", time.Since(c.connectedAt)).
		Int64("current_connections", current).
		Msg("Client disconnected")
}

// handleHealth reports liveness plus the two facts operators page on:
// connection count and bus connectivity.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if !s.bus.IsConnected() {
		// Sessions stay up but no events flow until the bus reconnects.
		status = "degraded"
	}
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":        status,
		"connections":   atomic.LoadInt64(&s.activeConns),
		"bus_connected": s.bus.IsConnected(),
	})
}

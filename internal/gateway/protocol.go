package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Client-facing event names. The wire format is one JSON object per
// WebSocket text frame: {"type": <event>, "ts": <unix ms>, "data": {...}}.
const (
	EventConnected      = "connected"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventUnderlyingTick = "underlying_update"
	EventChainSummary   = "chain_summary"
	EventChainUpdate    = "chain_update"
	EventError          = "error"
	EventPong           = "pong"
)

// clientMessage is the outer envelope of every inbound client frame.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// roomRequest is the payload of subscribe and unsubscribe messages.
type roomRequest struct {
	Kind   string `json:"kind"`   // "product" or "chain"
	Symbol string `json:"symbol"` // e.g. "NIFTY"
}

// connectedData is sent once, server-initiated, right after the upgrade.
type connectedData struct {
	ClientID string   `json:"client_id"`
	Rooms    []string `json:"rooms"`
}

type roomData struct {
	Room string `json:"room"`
}

type errorData struct {
	Message string `json:"message"`
}

type pongData struct {
	ServerTime int64 `json:"server_time"`
}

// marshalEvent serializes one server event. Broadcast paths call this
// once per event and reuse the bytes for every recipient.
func marshalEvent(name string, data any) ([]byte, error) {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		TS   int64  `json:"ts"`
		Data any    `json:"data,omitempty"`
	}{
		Type: name,
		TS:   time.Now().UnixMilli(),
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", name, err)
	}
	return payload, nil
}

// newClientID returns an opaque session identifier. Random so IDs are
// not guessable across gateway instances.
func newClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("c-%d", time.Now().UnixNano())
	}
	return "c-" + hex.EncodeToString(b)
}

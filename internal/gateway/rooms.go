package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"optionstream/internal/types"
)

// RoomGeneral is the room every session joins on connect and can never
// leave. Market-wide events (underlying updates, chain summaries) are
// delivered here.
const RoomGeneral = "general"

// ProductRoom names the per-underlying room carrying underlying_update
// events for one symbol.
func ProductRoom(symbol string) string { return "product:" + symbol }

// ChainRoom names the per-underlying room carrying full chain_update
// events for one symbol.
func ChainRoom(symbol string) string { return "chain:" + symbol }

// RoomForRequest validates a subscribe/unsubscribe request and returns
// the canonical room name. Invalid requests never mutate session state.
func RoomForRequest(kind, symbol string) (string, error) {
	if !types.ValidProduct(symbol) {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	switch kind {
	case "product":
		return ProductRoom(symbol), nil
	case "chain":
		return ChainRoom(symbol), nil
	default:
		return "", fmt.Errorf("invalid kind %q (want \"product\" or \"chain\")", kind)
	}
}

// roomKind extracts the kind prefix for metrics labels.
func roomKind(room string) string {
	if i := strings.IndexByte(room, ':'); i >= 0 {
		return room[:i]
	}
	return room
}

// RoomSet is one session's room memberships. Guarded because the read
// pump mutates it while the broadcast path and health endpoints read it.
type RoomSet struct {
	mu    sync.RWMutex
	rooms map[string]struct{}
}

func NewRoomSet() *RoomSet {
	return &RoomSet{rooms: make(map[string]struct{})}
}

func (s *RoomSet) Add(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room] = struct{}{}
}

func (s *RoomSet) Remove(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, room)
}

func (s *RoomSet) Has(room string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *RoomSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// List returns a sorted copy, safe for the caller to keep.
func (s *RoomSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// RoomIndex is the reverse map from room name to member sessions, so a
// broadcast touches only the sessions in the target room instead of
// scanning every connection.
//
// Membership changes are copy-on-write behind a mutex; the broadcast hot
// path reads an immutable snapshot with a lock-free atomic load. Callers
// of Members must not modify the returned slice.
type RoomIndex struct {
	mu      sync.RWMutex
	members map[string]*atomic.Value // room -> []*Client snapshot
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{members: make(map[string]*atomic.Value)}
}

// Add registers a client in a room. Idempotent.
func (idx *RoomIndex) Add(room string, c *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot := idx.members[room]
	if slot == nil {
		slot = &atomic.Value{}
		idx.members[room] = slot
	}

	var current []*Client
	if v := slot.Load(); v != nil {
		current = v.([]*Client)
	}
	for _, existing := range current {
		if existing == c {
			return
		}
	}

	next := make([]*Client, len(current)+1)
	copy(next, current)
	next[len(current)] = c
	slot.Store(next)
}

// Remove unregisters a client from a room.
func (idx *RoomIndex) Remove(room string, c *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(room, c)
}

// RemoveClient drops a client from every room, called on disconnect.
func (idx *RoomIndex) RemoveClient(c *Client) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for room := range idx.members {
		idx.removeLocked(room, c)
	}
}

func (idx *RoomIndex) removeLocked(room string, c *Client) {
	slot, ok := idx.members[room]
	if !ok {
		return
	}
	v := slot.Load()
	if v == nil {
		return
	}
	current := v.([]*Client)
	for i, existing := range current {
		if existing != c {
			continue
		}
		next := make([]*Client, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		if len(next) == 0 {
			delete(idx.members, room)
		} else {
			slot.Store(next)
		}
		return
	}
}

// Members returns the current snapshot for a room. Lock-free on the hot
// path; the returned slice is immutable.
func (idx *RoomIndex) Members(room string) []*Client {
	idx.mu.RLock()
	slot, ok := idx.members[room]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := slot.Load()
	if v == nil {
		return nil
	}
	return v.([]*Client)
}

// Count returns the member count for a room.
func (idx *RoomIndex) Count(room string) int {
	return len(idx.Members(room))
}

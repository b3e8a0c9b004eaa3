// Package rooms implements named multicast groups of connections.
package rooms

import (
	"sort"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nmxmxh/htpi-gateway/internal/protocol"
	"github.com/nmxmxh/htpi-gateway/pkg/metrics"
)

// Sender delivers encoded frames to one client.
type Sender interface {
	Send(frame []byte) error
}

// Directory resolves a connection id to its sender. A connection that has
// disconnected resolves to false.
type Directory interface {
	Sender(connID string) (Sender, bool)
}

// DirectoryFunc adapts a function to Directory.
type DirectoryFunc func(connID string) (Sender, bool)

func (f DirectoryFunc) Sender(connID string) (Sender, bool) { return f(connID) }

type set map[string]struct{}

// Router tracks room membership in both directions. Rooms exist while they have
// at least one member.
type Router struct {
	mu      sync.RWMutex
	members map[string]set // room -> connection ids
	joined  map[string]set // connection id -> rooms
	dir     Directory
	log     *zap.Logger
	metrics *metrics.Gateway
}

func NewRouter(dir Directory, log *zap.Logger, m *metrics.Gateway) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		members: make(map[string]set),
		joined:  make(map[string]set),
		dir:     dir,
		log:     log.With(zap.String("component", "rooms")),
		metrics: m,
	}
}

// Join adds connID to room. Joining twice is a no-op.
func (r *Router) Join(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	add(r.members, room, connID)
	add(r.joined, connID, room)
	r.metrics.SetRooms(len(r.members))
}

// Leave removes connID from room and drops the room once empty.
func (r *Router) Leave(room, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, connID)
	r.metrics.SetRooms(len(r.members))
}

// LeaveWhere removes connID from every joined room matching match and returns
// those rooms.
func (r *Router) LeaveWhere(connID string, match func(room string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var left []string
	for room := range r.joined[connID] {
		if match(room) {
			left = append(left, room)
		}
	}
	for _, room := range left {
		r.leaveLocked(room, connID)
	}
	r.metrics.SetRooms(len(r.members))
	sort.Strings(left)
	return left
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Router) LeaveAll(connID string) []string {
	return r.LeaveWhere(connID, func(string) bool { return true })
}

func (r *Router) leaveLocked(room, connID string) {
	remove(r.members, room, connID)
	remove(r.joined, connID, room)
}

// Broadcast encodes the event once and delivers it to a snapshot of the room's
// members, skipping connections that have disconnected. It returns the number of
// members the frame was handed to.
func (r *Router) Broadcast(room, event string, payload any) int {
	members := r.MembersOf(room)
	if len(members) == 0 {
		return 0
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		r.log.Error("failed to encode broadcast", zap.String("room", room), zap.String("event", event), zap.Error(err))
		return 0
	}
	delivered := 0
	for _, id := range members {
		s, ok := r.dir.Sender(id)
		if !ok {
			continue
		}
		if err := s.Send(frame); err != nil {
			r.log.Warn("broadcast delivery failed",
				zap.String("room", room),
				zap.String("connection_id", id),
				zap.Error(err))
			continue
		}
		delivered++
	}
	r.metrics.Broadcast(event)
	r.log.Debug("broadcast", zap.String("room", room), zap.String("event", event), zap.Int("delivered", delivered))
	return delivered
}

// MembersOf returns the sorted connection ids currently in room.
func (r *Router) MembersOf(room string) []string {
	r.mu.RLock()
	ids := lo.Keys(r.members[room])
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the sorted rooms connID has joined.
func (r *Router) RoomsOf(connID string) []string {
	r.mu.RLock()
	rooms := lo.Keys(r.joined[connID])
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Rooms returns every non-empty room.
func (r *Router) Rooms() []string {
	r.mu.RLock()
	rooms := lo.Keys(r.members)
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

func add(m map[string]set, key, val string) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[val] = struct{}{}
}

func remove(m map[string]set, key, val string) {
	s, ok := m[key]
	if !ok {
		return
	}
	delete(s, val)
	if len(s) == 0 {
		delete(m, key)
	}
}

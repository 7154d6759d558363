package room

import (
	"sync"

	"github.com/da-live/collab/internal/v1/metrics"
	"github.com/da-live/collab/internal/v1/types"
)

// Registry is the process-wide document-name → room map. It is injected,
// not global, so tests get a fresh one each.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.DocNameType]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[types.DocNameType]*Room)}
}

// GetOrCreate returns the registered room for the name, creating it with
// the given constructor under the registry lock when absent. The second
// result reports whether a new room was created.
func (g *Registry) GetOrCreate(name types.DocNameType, create func() *Room) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[name]; ok {
		return r, false
	}
	r := create()
	g.rooms[name] = r
	metrics.ActiveRooms.Inc()
	return r, true
}

// Lookup returns the registered room, if any.
func (g *Registry) Lookup(name types.DocNameType) (*Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[name]
	return r, ok
}

// Remove deletes the entry only if it still maps to the given room, so a
// stale teardown cannot evict a successor room for the same document.
func (g *Registry) Remove(name types.DocNameType, r *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[name] != r {
		return false
	}
	delete(g.rooms, name)
	metrics.ActiveRooms.Dec()
	return true
}

// IsOwner reports whether the room is still the registered owner of the
// name. Resumed async work checks this before touching shared state.
func (g *Registry) IsOwner(name types.DocNameType, r *Room) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[name] == r
}

// All snapshots the live rooms, for shutdown sweeps.
func (g *Registry) All() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// Count returns the number of live rooms.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms)
}

package transport

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Registry tracks every live connection and the room groups used for
// fan-out. It implements types.Broadcaster for the synchronizers.
//
// Publishing snapshots group membership under the read lock and pushes
// without it; Conn sends are non-blocking so a slow consumer cannot hold the
// registry.
type Registry struct {
	mu     sync.RWMutex
	conns  map[types.ConnectionID]*Conn
	groups map[types.RoomID]set.Set[types.ConnectionID]
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[types.ConnectionID]*Conn),
		groups: make(map[types.RoomID]set.Set[types.ConnectionID]),
	}
}

var _ types.Broadcaster = (*Registry)(nil)

func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove drops the connection from the registry and every room group.
func (r *Registry) Remove(connID types.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
	for roomID, group := range r.groups {
		group.Delete(connID)
		if group.Len() == 0 {
			delete(r.groups, roomID)
		}
	}
}

func (r *Registry) Get(connID types.ConnectionID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Subscribe adds the connection to a room's fan-out group.
func (r *Registry) Subscribe(roomID types.RoomID, connID types.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[roomID]
	if !ok {
		group = set.New[types.ConnectionID]()
		r.groups[roomID] = group
	}
	group.Insert(connID)
}

func (r *Registry) Unsubscribe(roomID types.RoomID, connID types.ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if group, ok := r.groups[roomID]; ok {
		group.Delete(connID)
		if group.Len() == 0 {
			delete(r.groups, roomID)
		}
	}
}

// ClearGroup drops a room's whole fan-out group, e.g. on room deletion.
func (r *Registry) ClearGroup(roomID types.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, roomID)
}

// ClearBinding drops a connection's room context, if the connection is still
// live. Used by the admin surface when kicking a player.
func (r *Registry) ClearBinding(connID types.ConnectionID) {
	if c, ok := r.Get(connID); ok {
		c.ClearBinding()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// roomConns snapshots the members of a room group.
func (r *Registry) roomConns(roomID types.RoomID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group, ok := r.groups[roomID]
	if !ok {
		return nil
	}
	out := make([]*Conn, 0, group.Len())
	for _, connID := range group.UnsortedList() {
		if c, ok := r.conns[connID]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) allConns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// --- types.Broadcaster ---

func (r *Registry) PublishRoom(roomID types.RoomID, data []byte) {
	for _, c := range r.roomConns(roomID) {
		c.Send(data)
	}
}

func (r *Registry) PublishConn(connID types.ConnectionID, data []byte) {
	if c, ok := r.Get(connID); ok {
		c.Send(data)
	}
}

func (r *Registry) PublishRoomPriority(roomID types.RoomID, data []byte) {
	for _, c := range r.roomConns(roomID) {
		c.SendPriority(data)
	}
}

func (r *Registry) PublishConnPriority(connID types.ConnectionID, data []byte) {
	if c, ok := r.Get(connID); ok {
		c.SendPriority(data)
	}
}

// PublishAll pushes a priority frame to every live connection, used for the
// shutdown notice.
func (r *Registry) PublishAll(data []byte) {
	for _, c := range r.allConns() {
		c.SendPriority(data)
	}
}

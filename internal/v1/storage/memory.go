package storage

import (
	"context"
	"sync"

	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Memory is the in-memory reference adapter. Values are deep-copied on both
// save and load so a caller mutating a returned state can never leak the
// change back into the store.
type Memory struct {
	mu          sync.RWMutex
	states      map[types.RoomID]types.GameState
	metas       map[types.RoomID]types.RoomMetadata
	initialized bool
}

// NewMemory creates an uninitialized in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

var _ types.Storage = (*Memory)(nil)

// Initialize prepares the backing maps. Safe to call once per store.
func (m *Memory) Initialize(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[types.RoomID]types.GameState)
	m.metas = make(map[types.RoomID]types.RoomMetadata)
	m.initialized = true
	return nil
}

// Ping satisfies the readiness probe; an in-process store is always healthy.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

func (m *Memory) SaveGameState(_ context.Context, roomID types.RoomID, state types.GameState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return opError("save_game_state", ErrNotInitialized)
	}
	m.states[roomID] = state.Clone()
	return nil
}

func (m *Memory) LoadGameState(_ context.Context, roomID types.RoomID) (*types.GameState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, opError("load_game_state", ErrNotInitialized)
	}
	state, ok := m.states[roomID]
	if !ok {
		return nil, nil
	}
	out := state.Clone()
	if out.Players == nil {
		out.Players = []types.Player{}
	}
	return &out, nil
}

// DeleteRoom removes both state and metadata. Deleting a missing room is a
// no-op.
func (m *Memory) DeleteRoom(_ context.Context, roomID types.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return opError("delete_room", ErrNotInitialized)
	}
	delete(m.states, roomID)
	delete(m.metas, roomID)
	return nil
}

func (m *Memory) UpsertRoomMetadata(_ context.Context, roomID types.RoomID, meta types.RoomMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return opError("upsert_room_metadata", ErrNotInitialized)
	}
	m.metas[roomID] = meta
	return nil
}

func (m *Memory) GetRoomMetadata(_ context.Context, roomID types.RoomID) (*types.RoomMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, opError("get_room_metadata", ErrNotInitialized)
	}
	meta, ok := m.metas[roomID]
	if !ok {
		return nil, nil
	}
	out := meta
	return &out, nil
}

func (m *Memory) ListAllRoomMetadata(_ context.Context) ([]types.RoomMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, opError("list_all_room_metadata", ErrNotInitialized)
	}
	out := make([]types.RoomMetadata, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	return out, nil
}

func (m *Memory) ListInactiveRoomIDs(_ context.Context, olderThan int64) ([]types.RoomID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return nil, opError("list_inactive_room_ids", ErrNotInitialized)
	}
	var out []types.RoomID
	for id, meta := range m.metas {
		if meta.LastActivity < olderThan {
			out = append(out, id)
		}
	}
	return out, nil
}

// RoomExists is defined by state presence, not metadata.
func (m *Memory) RoomExists(_ context.Context, roomID types.RoomID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return false, opError("room_exists", ErrNotInitialized)
	}
	_, ok := m.states[roomID]
	return ok, nil
}

// Close drops the maps; subsequent operations fail with ErrNotInitialized.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = nil
	m.metas = nil
	m.initialized = false
	return nil
}

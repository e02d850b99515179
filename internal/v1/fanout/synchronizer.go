// Package fanout implements the per-room synchronizer: it owns the
// player → connection mapping for one room and couples persistence to
// broadcast, so a client can never observe a state newer than what storage
// would return on recovery.
package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Synchronizer fans room-level outputs out to subscribed connections. It
// does not own player or game state; a missing subscriber entry simply means
// that player is currently disconnected.
type Synchronizer struct {
	roomID      types.RoomID
	store       types.Storage
	broadcaster types.Broadcaster

	mu          sync.RWMutex
	subscribers map[types.PlayerID]types.ConnectionID
}

// New creates a synchronizer for one room. It may be constructed before any
// player registers.
func New(roomID types.RoomID, store types.Storage, broadcaster types.Broadcaster) *Synchronizer {
	return &Synchronizer{
		roomID:      roomID,
		store:       store,
		broadcaster: broadcaster,
		subscribers: make(map[types.PlayerID]types.ConnectionID),
	}
}

var _ types.Synchronizer = (*Synchronizer)(nil)

// RegisterPlayer binds a player to a connection. Called on initial join and
// on reconnect, where the connection changes while the player id is stable.
// Last write wins.
func (s *Synchronizer) RegisterPlayer(playerID types.PlayerID, connID types.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[playerID] = connID
}

// UnregisterPlayer drops the player's connection binding (leave or
// disconnect).
func (s *Synchronizer) UnregisterPlayer(playerID types.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, playerID)
}

// ConnectionFor returns the connection currently bound for the player.
func (s *Synchronizer) ConnectionFor(playerID types.PlayerID) (types.ConnectionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connID, ok := s.subscribers[playerID]
	return connID, ok
}

// BroadcastState persists the state and then publishes a state:update frame
// to the room. Persistence failure suppresses the publish and surfaces the
// error; the room stays alive and the caller can retry.
func (s *Synchronizer) BroadcastState(ctx context.Context, state types.GameState) error {
	if err := s.store.SaveGameState(ctx, s.roomID, state); err != nil {
		logging.Error(ctx, "State persist failed, suppressing broadcast",
			zap.String("roomId", string(s.roomID)), zap.Error(err))
		return err
	}

	data, err := protocol.EncodeStateUpdate(state)
	if err != nil {
		return err
	}
	s.broadcaster.PublishRoom(s.roomID, data)
	return nil
}

// SendToPlayer publishes a state:sync frame to the one connection mapped for
// the player. No-op when the player has no live connection. Used for
// reconnection hydration.
func (s *Synchronizer) SendToPlayer(ctx context.Context, playerID types.PlayerID, state types.GameState) error {
	connID, ok := s.ConnectionFor(playerID)
	if !ok {
		return nil
	}

	data, err := protocol.EncodeStateSync(state)
	if err != nil {
		return err
	}
	s.broadcaster.PublishConn(connID, data)
	return nil
}

// BroadcastEvent publishes a typed event:emit frame to the room.
func (s *Synchronizer) BroadcastEvent(ctx context.Context, event string, payload any) error {
	data, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	s.broadcaster.PublishRoom(s.roomID, data)
	return nil
}

// BroadcastClosed publishes a room:closed frame on the priority lane so it
// outruns any queued state updates.
func (s *Synchronizer) BroadcastClosed(ctx context.Context, reason string) error {
	data, err := protocol.EncodeRoomClosed(reason)
	if err != nil {
		return err
	}
	s.broadcaster.PublishRoomPriority(s.roomID, data)
	return nil
}

// SendClosedToPlayer publishes a targeted room:closed frame (e.g. a kick).
func (s *Synchronizer) SendClosedToPlayer(ctx context.Context, playerID types.PlayerID, reason string) error {
	connID, ok := s.ConnectionFor(playerID)
	if !ok {
		return nil
	}

	data, err := protocol.EncodeRoomClosed(reason)
	if err != nil {
		return err
	}
	s.broadcaster.PublishConnPriority(connID, data)
	return nil
}

// ClearSubscribers drops the whole map. Called on room deletion.
func (s *Synchronizer) ClearSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = make(map[types.PlayerID]types.ConnectionID)
}

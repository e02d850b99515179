package types

import (
	"context"
	"encoding/json"
)

// --- Shared Interfaces ---

// Game is the per-room game instance driven by the runtime. Implementations
// must serialize their own state; the runtime may call any method from any
// connection goroutine.
type Game interface {
	Config() GameConfig
	State() GameState
	Players() []Player

	JoinPlayer(ctx context.Context, p Player) error
	LeavePlayer(ctx context.Context, id PlayerID) error
	DisconnectPlayer(ctx context.Context, id PlayerID) error
	ReconnectPlayer(ctx context.Context, id PlayerID) error

	StartGame(ctx context.Context) error
	EndGame(ctx context.Context) error

	// HandleAction dispatches a gameplay request. The returned value, if any,
	// rides back to the requester inside the ack.
	HandleAction(ctx context.Context, id PlayerID, actionType string, payload json.RawMessage) (any, error)
}

// GameHooks lets a game instance notify the runtime about transitions it
// initiates itself, such as removing a player whose disconnect grace period
// expired or finishing the game from inside an action handler.
type GameHooks struct {
	OnPlayerRemoved func(id PlayerID)
	OnGameEnded     func()
}

// GameFactory builds a game instance for a freshly created room.
type GameFactory func(roomID RoomID, sync Synchronizer, hooks GameHooks) (Game, error)

// Synchronizer fans authoritative state out to a room's subscribers and is
// the single place where persistence is coupled to broadcast: state must be
// saved before any client sees it.
type Synchronizer interface {
	RegisterPlayer(playerID PlayerID, connID ConnectionID)
	UnregisterPlayer(playerID PlayerID)

	BroadcastState(ctx context.Context, state GameState) error
	SendToPlayer(ctx context.Context, playerID PlayerID, state GameState) error
	BroadcastEvent(ctx context.Context, event string, payload any) error
	BroadcastClosed(ctx context.Context, reason string) error
	SendClosedToPlayer(ctx context.Context, playerID PlayerID, reason string) error

	ClearSubscribers()
}

// Broadcaster is the transport primitive the synchronizer publishes through.
// Priority variants bypass queued state frames so control messages arrive
// ahead of a close.
type Broadcaster interface {
	PublishRoom(roomID RoomID, data []byte)
	PublishConn(connID ConnectionID, data []byte)
	PublishRoomPriority(roomID RoomID, data []byte)
	PublishConnPriority(connID ConnectionID, data []byte)
}

// Storage is the persistence port. Absence is reported as a nil pointer, not
// an error; implementations never retry internally.
type Storage interface {
	Initialize(ctx context.Context) error

	SaveGameState(ctx context.Context, roomID RoomID, state GameState) error
	LoadGameState(ctx context.Context, roomID RoomID) (*GameState, error)
	DeleteRoom(ctx context.Context, roomID RoomID) error

	UpsertRoomMetadata(ctx context.Context, roomID RoomID, meta RoomMetadata) error
	GetRoomMetadata(ctx context.Context, roomID RoomID) (*RoomMetadata, error)
	ListAllRoomMetadata(ctx context.Context) ([]RoomMetadata, error)

	// ListInactiveRoomIDs returns rooms whose lastActivity is strictly older
	// than the given unix-millisecond threshold.
	ListInactiveRoomIDs(ctx context.Context, olderThan int64) ([]RoomID, error)
	RoomExists(ctx context.Context, roomID RoomID) (bool, error)

	Close() error
}

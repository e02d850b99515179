package protocol

import (
	"encoding/json"

	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Client → server message types. Every request carries an ack correlator.
const (
	MsgRoomCreate   = "room:create"
	MsgRoomJoin     = "room:join"
	MsgRoomLeave    = "room:leave"
	MsgGameStart    = "game:start"
	MsgGameAction   = "game:action"
	MsgStateRequest = "state:request"
)

// Server → client frame types.
const (
	MsgAck         = "ack"
	MsgStateUpdate = "state:update"
	MsgStateSync   = "state:sync"
	MsgEventEmit   = "event:emit"
	MsgError       = "error"
	MsgRoomClosed  = "room:closed"
)

// Well-known event names carried inside event:emit frames. Games may emit
// arbitrary additional names through the same frame.
const (
	EventPlayerJoined       = "player:joined"
	EventPlayerLeft         = "player:left"
	EventPlayerDisconnected = "player:disconnected"
	EventPlayerReconnected  = "player:reconnected"
	EventGameStarted        = "game:started"
	EventGameEnded          = "game:ended"
	EventPhaseChanged       = "phase:changed"
)

// Request is the envelope for every client → server message. ID is the ack
// correlator chosen by the client and echoed back verbatim.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CreatePayload is the body of a room:create request.
type CreatePayload struct {
	GameType string `json:"gameType"`
	HostName string `json:"hostName"`
}

// JoinPayload is the body of a room:join request.
type JoinPayload struct {
	RoomID     string `json:"roomId"`
	PlayerName string `json:"playerName"`
}

// ActionPayload is the body of a game:action request. Payload is opaque to
// the runtime and handed to the game untouched.
type ActionPayload struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Ack is the correlated response to a single request. Exactly one ack is
// sent per request, in request order per connection.
type Ack struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
	Code     ErrorCode        `json:"code,omitempty"`
	RoomID   types.RoomID     `json:"roomId,omitempty"`
	PlayerID types.PlayerID   `json:"playerId,omitempty"`
	State    *types.GameState `json:"state,omitempty"`
	Data     any              `json:"data,omitempty"`
}

// NewAck builds a successful ack for the given correlator.
func NewAck(id string) Ack {
	return Ack{Type: MsgAck, ID: id, Success: true}
}

// NewErrorAck builds a failed ack carrying the error's code and message.
func NewErrorAck(id string, err error) Ack {
	pe := AsError(err)
	return Ack{Type: MsgAck, ID: id, Success: false, Error: pe.Message, Code: pe.Code}
}

// StateFrame carries a full game state, either room-wide (state:update) or
// targeted at one connection (state:sync).
type StateFrame struct {
	Type  string          `json:"type"`
	State types.GameState `json:"state"`
}

// EventFrame is a typed room-wide notification.
type EventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// ErrorFrame is an unsolicited error delivered outside any request cycle.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error Error  `json:"error"`
}

// ClosedFrame tells subscribers their room is gone and why.
type ClosedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EncodeAck marshals an ack frame.
func EncodeAck(ack Ack) ([]byte, error) {
	ack.Type = MsgAck
	return json.Marshal(ack)
}

// EncodeStateUpdate marshals a room-wide state broadcast.
func EncodeStateUpdate(state types.GameState) ([]byte, error) {
	return json.Marshal(StateFrame{Type: MsgStateUpdate, State: state})
}

// EncodeStateSync marshals a targeted state hydration frame.
func EncodeStateSync(state types.GameState) ([]byte, error) {
	return json.Marshal(StateFrame{Type: MsgStateSync, State: state})
}

// EncodeEvent marshals an event:emit frame.
func EncodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(EventFrame{Type: MsgEventEmit, Event: event, Payload: payload})
}

// EncodeError marshals an unsolicited error frame.
func EncodeError(err *Error) ([]byte, error) {
	return json.Marshal(ErrorFrame{Type: MsgError, Error: *err})
}

// EncodeRoomClosed marshals a room:closed frame.
func EncodeRoomClosed(reason string) ([]byte, error) {
	return json.Marshal(ClosedFrame{Type: MsgRoomClosed, Reason: reason})
}

package types

import (
	"errors"
	"strings"
	"time"
)

// --- Core Domain Types ---

// RoomID is a six character room code minted by the room manager.
type RoomID string

// PlayerID uniquely identifies a player across connects and reconnects.
type PlayerID string

// ConnectionID identifies a single websocket connection. A player may hold
// different ConnectionIDs over time but at most one at any moment.
type ConnectionID string

// PhaseID names a step of a game's phase machine, e.g. "lobby" or "question".
type PhaseID string

// RoomStatus is the lifecycle state recorded in room metadata.
type RoomStatus string

// Room lifecycle states.
const (
	StatusWaiting RoomStatus = "waiting" // in the initial phase, accepting players
	StatusPlaying RoomStatus = "playing" // game in progress
	StatusEnded   RoomStatus = "ended"   // game finished, room still readable
	StatusClosed  RoomStatus = "closed"  // torn down, pending storage deletion
)

// MaxPlayerNameLength caps display names accepted at join time.
const MaxPlayerNameLength = 64

// --- Domain Records ---

// Player is one participant in a room.
type Player struct {
	ID          PlayerID       `json:"id"`
	Name        string         `json:"name"`
	IsHost      bool           `json:"isHost"`
	IsConnected bool           `json:"isConnected"`
	JoinedAt    int64          `json:"joinedAt"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate ensures a player record is safe to admit.
func (p Player) Validate() error {
	if p.ID == "" {
		return errors.New("player ID cannot be empty")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("player name cannot be empty")
	}
	if len(p.Name) > MaxPlayerNameLength {
		return errors.New("player name cannot exceed 64 characters")
	}
	return nil
}

// Clone returns a copy whose metadata map is independent of the receiver's.
func (p Player) Clone() Player {
	out := p
	out.Metadata = cloneMetadata(p.Metadata)
	return out
}

// GameState is the authoritative snapshot broadcast to every subscriber of a
// room. Players is never nil after a storage load.
type GameState struct {
	RoomID           RoomID         `json:"roomId"`
	Phase            PhaseID        `json:"phase"`
	Players          []Player       `json:"players"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	PlayerOrder      []PlayerID     `json:"playerOrder,omitempty"`
	CurrentTurnIndex *int           `json:"currentTurnIndex,omitempty"`
}

// Clone returns a deep copy. Mutating the copy never affects the receiver.
func (s GameState) Clone() GameState {
	out := s
	if s.Players != nil {
		out.Players = make([]Player, len(s.Players))
		for i, p := range s.Players {
			out.Players[i] = p.Clone()
		}
	}
	out.Metadata = cloneMetadata(s.Metadata)
	if s.PlayerOrder != nil {
		out.PlayerOrder = append([]PlayerID(nil), s.PlayerOrder...)
	}
	if s.CurrentTurnIndex != nil {
		idx := *s.CurrentTurnIndex
		out.CurrentTurnIndex = &idx
	}
	return out
}

// PlayerByID returns the player with the given ID, or nil.
func (s GameState) PlayerByID(id PlayerID) *Player {
	for i := range s.Players {
		if s.Players[i].ID == id {
			return &s.Players[i]
		}
	}
	return nil
}

// RoomMetadata is the lifecycle record the room manager persists alongside
// game state. LastActivity drives idle TTL expiry.
type RoomMetadata struct {
	RoomID       RoomID     `json:"roomId"`
	CreatedAt    int64      `json:"createdAt"`
	LastActivity int64      `json:"lastActivity"`
	HostPlayerID PlayerID   `json:"hostPlayerId"`
	PlayerCount  int        `json:"playerCount"`
	Status       RoomStatus `json:"status"`
	GameType     string     `json:"gameType"`
}

// RoomInfo is the listing view of a room exposed to the admin surface.
type RoomInfo struct {
	RoomID      RoomID     `json:"roomId"`
	Status      RoomStatus `json:"status"`
	PlayerCount int        `json:"playerCount"`
	MaxPlayers  int        `json:"maxPlayers"`
	HostName    string     `json:"hostName"`
	GameType    string     `json:"gameType"`
	CreatedAt   int64      `json:"createdAt"`
}

// ServerStats is the aggregate snapshot served by the admin stats endpoint.
type ServerStats struct {
	TotalRooms    int                `json:"totalRooms"`
	TotalPlayers  int                `json:"totalPlayers"`
	RoomsByStatus map[RoomStatus]int `json:"roomsByStatus"`
	UptimeMillis  int64              `json:"uptimeMillis"`
	MemoryUsage   uint64             `json:"memoryUsage"`
}

// --- Game Configuration ---

// GameConfig declares the static shape of a game type. Phases[0] is the
// initial phase; a room sits in it while Status is waiting.
type GameConfig struct {
	MinPlayers          int
	MaxPlayers          int
	Phases              []PhaseID
	DisconnectTimeout   time.Duration
	AllowJoinInProgress bool
}

// InitialPhase returns Phases[0], or "" when no phases are declared.
func (c GameConfig) InitialPhase() PhaseID {
	if len(c.Phases) == 0 {
		return ""
	}
	return c.Phases[0]
}

// HasPhase reports whether the phase belongs to this config's machine.
func (c GameConfig) HasPhase(phase PhaseID) bool {
	for _, p := range c.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// NowMillis is the timestamp convention used across the runtime.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func cloneMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Package game provides the default building blocks for room games: Core, a
// composable state machine implementing the full types.Game contract, and a
// registry mapping game-type labels to factories. Concrete games register
// action handlers on a Core instead of reimplementing lifecycle plumbing.
package game

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// ActionFunc handles one game-specific action type. It runs with the Core's
// lock held: the handler may mutate state through StateLocked and publish
// through BroadcastLocked / EmitLocked, but must not call any public Core
// method. The returned value rides back to the requester inside the ack.
type ActionFunc func(ctx context.Context, g *Core, actor types.Player, payload json.RawMessage) (any, error)

// Core is the default game implementation: a players list, a phase machine
// over the declared phases, per-player disconnect grace timers, and
// broadcast-on-mutation through the synchronizer it was constructed with.
//
// All mutations of one Core are serialized by its mutex, and broadcasts
// happen under it, so every subscriber observes a linearization of the
// room's state changes.
type Core struct {
	cfg   types.GameConfig
	sync  types.Synchronizer
	hooks types.GameHooks

	mu               sync.Mutex
	state            types.GameState
	actions          map[string]ActionFunc
	startFn          func(ctx context.Context, g *Core) error
	disconnectTimers map[types.PlayerID]*time.Timer
	ended            bool
	endedHookPending bool
}

// NewCore builds a core for one room. The config must declare at least an
// initial and one playing phase.
func NewCore(roomID types.RoomID, cfg types.GameConfig, sync types.Synchronizer, hooks types.GameHooks) (*Core, error) {
	if len(cfg.Phases) < 2 {
		return nil, protocol.NewError(protocol.CodeInternal, "game config must declare at least two phases")
	}
	if cfg.MinPlayers < 1 || cfg.MaxPlayers < cfg.MinPlayers {
		return nil, protocol.NewError(protocol.CodeInternal, "game config has invalid player bounds")
	}

	return &Core{
		cfg:   cfg,
		sync:  sync,
		hooks: hooks,
		state: types.GameState{
			RoomID:  roomID,
			Phase:   cfg.InitialPhase(),
			Players: []types.Player{},
		},
		actions:          make(map[string]ActionFunc),
		disconnectTimers: make(map[types.PlayerID]*time.Timer),
	}, nil
}

var _ types.Game = (*Core)(nil)

// RegisterAction binds a handler to an action type. Intended to be called by
// the concrete game during construction.
func (c *Core) RegisterAction(actionType string, fn ActionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[actionType] = fn
}

// OnStart registers a hook run inside StartGame, after the phase advance and
// before the state broadcast. An error aborts the start and reverts the phase.
func (c *Core) OnStart(fn func(ctx context.Context, g *Core) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startFn = fn
}

func (c *Core) Config() types.GameConfig {
	return c.cfg
}

// State returns a snapshot copy; mutating it never affects the game.
func (c *Core) State() types.GameState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Core) Players() []types.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Player, len(c.state.Players))
	for i, p := range c.state.Players {
		out[i] = p.Clone()
	}
	return out
}

// JoinPlayer admits a player, broadcasts the new state, and emits a
// player:joined event.
func (c *Core) JoinPlayer(ctx context.Context, p types.Player) error {
	if err := p.Validate(); err != nil {
		return protocol.NewError(protocol.CodeInvalidInput, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return protocol.NewError(protocol.CodePlayerJoinFailed, "game has ended")
	}
	if c.state.Phase != c.cfg.InitialPhase() && !c.cfg.AllowJoinInProgress {
		return protocol.NewError(protocol.CodePlayerJoinFailed, "game already in progress")
	}
	for _, existing := range c.state.Players {
		if existing.ID == p.ID {
			return protocol.NewError(protocol.CodePlayerJoinFailed, "player already in room")
		}
		if strings.EqualFold(existing.Name, p.Name) {
			return protocol.NewErrorf(protocol.CodePlayerJoinFailed, "name %q already taken", p.Name)
		}
	}
	if len(c.state.Players) >= c.cfg.MaxPlayers {
		return protocol.NewErrorf(protocol.CodeRoomFull, "room is full (maximum %d players)", c.cfg.MaxPlayers)
	}

	c.state.Players = append(c.state.Players, p.Clone())

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventPlayerJoined, map[string]any{
		"playerId":   p.ID,
		"playerName": p.Name,
	})
	return nil
}

// LeavePlayer removes a player. When the host leaves, the earliest-joined
// remaining player is promoted.
func (c *Core) LeavePlayer(ctx context.Context, id types.PlayerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removePlayerLocked(ctx, id)
}

// DisconnectPlayer marks the player disconnected and arms the grace timer:
// if they do not reconnect within the configured window, they are removed as
// if they had left.
func (c *Core) DisconnectPlayer(ctx context.Context, id types.PlayerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.state.PlayerByID(id)
	if p == nil {
		return protocol.NewError(protocol.CodePlayerNotFound, "player not in room")
	}
	p.IsConnected = false

	// Cancel before reassign: at most one grace timer per player.
	if t, ok := c.disconnectTimers[id]; ok {
		t.Stop()
	}
	c.disconnectTimers[id] = time.AfterFunc(c.cfg.DisconnectTimeout, func() {
		c.expireDisconnected(id)
	})

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventPlayerDisconnected, map[string]any{"playerId": id})
	return nil
}

// ReconnectPlayer cancels the grace timer and marks the player connected.
// Safe to call repeatedly; a reconnect on an already-connected player is a
// no-op.
func (c *Core) ReconnectPlayer(ctx context.Context, id types.PlayerID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.state.PlayerByID(id)
	if p == nil {
		return protocol.NewError(protocol.CodePlayerNotFound, "player not in room")
	}

	if t, ok := c.disconnectTimers[id]; ok {
		t.Stop()
		delete(c.disconnectTimers, id)
	}

	if p.IsConnected {
		return nil
	}
	p.IsConnected = true

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventPlayerReconnected, map[string]any{"playerId": id})
	return nil
}

// StartGame transitions from the initial phase to the first playing phase.
func (c *Core) StartGame(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended || c.state.Phase != c.cfg.InitialPhase() {
		return protocol.NewError(protocol.CodeInvalidGameState, "game already started")
	}
	if len(c.state.Players) < c.cfg.MinPlayers {
		return protocol.NewErrorf(protocol.CodeInvalidGameState, "need at least %d players to start", c.cfg.MinPlayers)
	}

	c.state.Phase = c.cfg.Phases[1]

	if c.startFn != nil {
		if err := c.startFn(ctx, c); err != nil {
			c.state.Phase = c.cfg.InitialPhase()
			return err
		}
	}

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventGameStarted, map[string]any{"phase": c.state.Phase})
	c.emitLocked(ctx, protocol.EventPhaseChanged, map[string]any{"phase": c.state.Phase})
	return nil
}

// EndGame is the terminal transition; afterwards the room is eligible for
// deletion. Idempotent.
func (c *Core) EndGame(ctx context.Context) error {
	c.mu.Lock()
	err := c.endLocked(ctx)
	c.mu.Unlock()

	c.flushEndedHook()
	return err
}

// HandleAction dispatches a game-specific action to its registered handler.
func (c *Core) HandleAction(ctx context.Context, id types.PlayerID, actionType string, payload json.RawMessage) (any, error) {
	if strings.TrimSpace(actionType) == "" {
		return nil, protocol.NewError(protocol.CodeInvalidInput, "action type cannot be empty")
	}

	c.mu.Lock()

	if c.ended {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeInvalidAction, "game has ended")
	}
	p := c.state.PlayerByID(id)
	if p == nil {
		c.mu.Unlock()
		return nil, protocol.NewError(protocol.CodePlayerNotFound, "player not in room")
	}
	fn, ok := c.actions[actionType]
	if !ok {
		c.mu.Unlock()
		return nil, protocol.NewErrorf(protocol.CodeNotImplemented, "unknown action type %q", actionType)
	}

	result, err := fn(ctx, c, p.Clone(), payload)
	c.mu.Unlock()

	// A handler may have finished the game through EndLocked; the hook runs
	// only after the lock is released.
	c.flushEndedHook()
	return result, err
}

// --- Helpers available inside ActionFunc handlers (lock held) ---

// StateLocked exposes the mutable state to action handlers.
func (c *Core) StateLocked() *types.GameState {
	return &c.state
}

// BroadcastLocked persists and publishes the current state.
func (c *Core) BroadcastLocked(ctx context.Context) error {
	return c.broadcastStateLocked(ctx)
}

// EmitLocked publishes an event frame to the room.
func (c *Core) EmitLocked(ctx context.Context, event string, payload any) {
	c.emitLocked(ctx, event, payload)
}

// EndLocked finishes the game from inside an action handler.
func (c *Core) EndLocked(ctx context.Context) error {
	return c.endLocked(ctx)
}

// SetPhaseLocked moves the machine to a declared phase and emits
// phase:changed. The caller is responsible for broadcasting state.
func (c *Core) SetPhaseLocked(ctx context.Context, phase types.PhaseID) error {
	if !c.cfg.HasPhase(phase) {
		return protocol.NewErrorf(protocol.CodeInvalidGameState, "phase %q is not declared by this game", phase)
	}
	c.state.Phase = phase
	c.emitLocked(ctx, protocol.EventPhaseChanged, map[string]any{"phase": phase})
	return nil
}

// --- Internal ---

func (c *Core) endLocked(ctx context.Context) error {
	if c.ended {
		return nil
	}
	c.ended = true
	c.endedHookPending = true
	c.state.Phase = c.cfg.Phases[len(c.cfg.Phases)-1]

	for id, t := range c.disconnectTimers {
		t.Stop()
		delete(c.disconnectTimers, id)
	}

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventGameEnded, map[string]any{"phase": c.state.Phase})
	return nil
}

// flushEndedHook fires OnGameEnded exactly once per game, after the end
// transition, with no Core lock held.
func (c *Core) flushEndedHook() {
	c.mu.Lock()
	pending := c.endedHookPending
	c.endedHookPending = false
	c.mu.Unlock()

	if pending {
		if fn := c.hooks.OnGameEnded; fn != nil {
			fn()
		}
	}
}

// expireDisconnected fires when a disconnect grace timer elapses. A
// reconnect in the meantime makes it a no-op.
func (c *Core) expireDisconnected(id types.PlayerID) {
	ctx := context.Background()

	c.mu.Lock()
	delete(c.disconnectTimers, id)

	p := c.state.PlayerByID(id)
	if p == nil || p.IsConnected {
		c.mu.Unlock()
		return
	}

	logging.Info(ctx, "Disconnect grace expired, removing player",
		zap.String("roomId", string(c.state.RoomID)), zap.String("playerId", string(id)))
	if err := c.removePlayerLocked(ctx, id); err != nil {
		logging.Error(ctx, "Failed to remove expired player", zap.Error(err))
	}
	onRemoved := c.hooks.OnPlayerRemoved
	c.mu.Unlock()

	// Fired outside the lock: the sink re-enters the game for a recount.
	if onRemoved != nil {
		onRemoved(id)
	}
}

func (c *Core) removePlayerLocked(ctx context.Context, id types.PlayerID) error {
	idx := -1
	for i := range c.state.Players {
		if c.state.Players[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return protocol.NewError(protocol.CodePlayerNotFound, "player not in room")
	}

	if t, ok := c.disconnectTimers[id]; ok {
		t.Stop()
		delete(c.disconnectTimers, id)
	}

	removed := c.state.Players[idx]
	c.state.Players = append(c.state.Players[:idx], c.state.Players[idx+1:]...)

	if len(c.state.PlayerOrder) > 0 {
		order := c.state.PlayerOrder[:0]
		for _, pid := range c.state.PlayerOrder {
			if pid != id {
				order = append(order, pid)
			}
		}
		c.state.PlayerOrder = order
	}

	if removed.IsHost && len(c.state.Players) > 0 {
		c.promoteHostLocked(ctx)
	}

	if err := c.broadcastStateLocked(ctx); err != nil {
		return err
	}
	c.emitLocked(ctx, protocol.EventPlayerLeft, map[string]any{
		"playerId":   removed.ID,
		"playerName": removed.Name,
	})
	return nil
}

// promoteHostLocked makes the earliest-joined remaining player the host.
func (c *Core) promoteHostLocked(ctx context.Context) {
	best := 0
	for i := range c.state.Players {
		c.state.Players[i].IsHost = false
		if c.state.Players[i].JoinedAt < c.state.Players[best].JoinedAt {
			best = i
		}
	}
	c.state.Players[best].IsHost = true

	logging.Info(ctx, "Host reassigned",
		zap.String("roomId", string(c.state.RoomID)),
		zap.String("newHost", string(c.state.Players[best].ID)))
}

func (c *Core) broadcastStateLocked(ctx context.Context) error {
	return c.sync.BroadcastState(ctx, c.state.Clone())
}

// emitLocked publishes an event frame. Events are best-effort notifications;
// failures are logged, never propagated.
func (c *Core) emitLocked(ctx context.Context, event string, payload any) {
	if err := c.sync.BroadcastEvent(ctx, event, payload); err != nil {
		logging.Warn(ctx, "Event broadcast failed",
			zap.String("roomId", string(c.state.RoomID)), zap.String("event", event), zap.Error(err))
	}
}

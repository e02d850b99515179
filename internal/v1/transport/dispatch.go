package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/metrics"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// dispatch routes one request to its handler and always sends exactly one
// ack, on the priority lane so it cannot queue behind state fan-out.
func (s *Server) dispatch(ctx context.Context, c *Conn, req *protocol.Request) {
	start := time.Now()

	var ack protocol.Ack
	switch req.Type {
	case protocol.MsgRoomCreate:
		ack = s.handleCreate(ctx, c, req)
	case protocol.MsgRoomJoin:
		ack = s.handleJoin(ctx, c, req)
	case protocol.MsgRoomLeave:
		ack = s.handleLeave(ctx, c, req)
	case protocol.MsgGameStart:
		ack = s.handleStart(ctx, c, req)
	case protocol.MsgGameAction:
		ack = s.handleAction(ctx, c, req)
	case protocol.MsgStateRequest:
		ack = s.handleStateRequest(ctx, c, req)
	default:
		ack = protocol.NewErrorAck(req.ID, protocol.NewErrorf(protocol.CodeInvalidInput, "unknown message type %q", req.Type))
	}

	status := "ok"
	if !ack.Success {
		status = "error"
	}
	metrics.Messages.WithLabelValues(req.Type, status).Inc()
	metrics.MessageDuration.WithLabelValues(req.Type).Observe(time.Since(start).Seconds())

	s.sendAck(c, ack)
}

func (s *Server) sendAck(c *Conn, ack protocol.Ack) {
	data, err := protocol.EncodeAck(ack)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode ack",
			zap.String("connectionId", string(c.id)), zap.Error(err))
		return
	}
	c.SendPriority(data)
}

func (s *Server) handleCreate(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	var payload protocol.CreatePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "malformed create payload"))
	}
	if strings.TrimSpace(payload.HostName) == "" {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "hostName cannot be empty"))
	}
	if _, _, bound := c.Binding(); bound {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidAction, "connection is already in a room"))
	}

	playerID := types.PlayerID(uuid.NewString())
	inst, err := s.rooms.CreateRoom(ctx, playerID, payload.GameType)
	if err != nil {
		return protocol.NewErrorAck(req.ID, err)
	}

	// Subscribe before the join so the host's own connection receives the
	// join's state broadcast.
	s.registry.Subscribe(inst.ID, c.id)
	inst.Sync.RegisterPlayer(playerID, c.id)

	host := types.Player{
		ID:          playerID,
		Name:        payload.HostName,
		IsHost:      true,
		IsConnected: true,
		JoinedAt:    types.NowMillis(),
	}
	if err := inst.Game.JoinPlayer(ctx, host); err != nil {
		s.registry.Unsubscribe(inst.ID, c.id)
		if derr := s.rooms.DeleteRoom(ctx, inst.ID); derr != nil {
			logging.Error(ctx, "Failed to roll back room after host join failure",
				zap.String("roomId", string(inst.ID)), zap.Error(derr))
		}
		return protocol.NewErrorAck(req.ID, err)
	}

	s.rooms.TrackPlayer(playerID, inst.ID)
	c.Bind(inst.ID, playerID)
	s.refreshRoomRecord(ctx, inst)

	state := inst.Game.State()
	ack := protocol.NewAck(req.ID)
	ack.RoomID = inst.ID
	ack.PlayerID = playerID
	ack.State = &state
	return ack
}

func (s *Server) handleJoin(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	var payload protocol.JoinPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "malformed join payload"))
	}
	if strings.TrimSpace(payload.PlayerName) == "" {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "playerName cannot be empty"))
	}
	if _, _, bound := c.Binding(); bound {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidAction, "connection is already in a room"))
	}

	roomID := rooms.NormalizeCode(payload.RoomID)
	if !rooms.IsValidCode(roomID) {
		// A code of the right length that the minting alphabet can never
		// produce names a room that cannot exist.
		if len(roomID) == rooms.CodeLength {
			return protocol.NewErrorAck(req.ID, protocol.NewErrorf(protocol.CodeRoomNotFound, "room %q does not exist", payload.RoomID))
		}
		return protocol.NewErrorAck(req.ID, protocol.NewErrorf(protocol.CodeInvalidInput, "malformed room code %q", payload.RoomID))
	}

	inst, err := s.rooms.GetRoom(roomID)
	if err != nil {
		return protocol.NewErrorAck(req.ID, err)
	}

	playerID := types.PlayerID(uuid.NewString())
	s.registry.Subscribe(roomID, c.id)
	inst.Sync.RegisterPlayer(playerID, c.id)

	player := types.Player{
		ID:          playerID,
		Name:        payload.PlayerName,
		IsConnected: true,
		JoinedAt:    types.NowMillis(),
	}
	if err := inst.Game.JoinPlayer(ctx, player); err != nil {
		inst.Sync.UnregisterPlayer(playerID)
		s.registry.Unsubscribe(roomID, c.id)
		return protocol.NewErrorAck(req.ID, err)
	}

	s.rooms.TrackPlayer(playerID, roomID)
	c.Bind(roomID, playerID)
	s.refreshRoomRecord(ctx, inst)

	state := inst.Game.State()
	ack := protocol.NewAck(req.ID)
	ack.RoomID = roomID
	ack.PlayerID = playerID
	ack.State = &state
	return ack
}

func (s *Server) handleLeave(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	roomID, playerID, bound := c.Binding()
	if !bound {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeNotInRoom, "connection is not in a room"))
	}

	inst, err := s.rooms.GetRoom(roomID)
	if err != nil {
		// The room died under us; leaving it is trivially done.
		s.dropAssociation(c, roomID, playerID)
		return protocol.NewAck(req.ID)
	}

	leaveErr := inst.Game.LeavePlayer(ctx, playerID)

	inst.Sync.UnregisterPlayer(playerID)
	s.dropAssociation(c, roomID, playerID)

	if leaveErr != nil {
		return protocol.NewErrorAck(req.ID, leaveErr)
	}

	s.refreshRoomRecord(ctx, inst)
	return protocol.NewAck(req.ID)
}

func (s *Server) handleStart(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	inst, playerID, ack, ok := s.boundRoom(c, req)
	if !ok {
		return ack
	}

	p := inst.Game.State().PlayerByID(playerID)
	if p == nil {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodePlayerNotFound, "player not in room"))
	}
	if !p.IsHost {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeUnauthorized, "only the host can start the game"))
	}

	if err := inst.Game.StartGame(ctx); err != nil {
		return protocol.NewErrorAck(req.ID, err)
	}

	playing := types.StatusPlaying
	if err := s.rooms.UpdateRoomMetadata(ctx, inst.ID, rooms.MetadataPatch{Status: &playing}); err != nil {
		logging.Error(ctx, "Failed to update room status", zap.String("roomId", string(inst.ID)), zap.Error(err))
	}
	s.touch(ctx, inst.ID)

	state := inst.Game.State()
	out := protocol.NewAck(req.ID)
	out.RoomID = inst.ID
	out.State = &state
	return out
}

func (s *Server) handleAction(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	inst, playerID, ack, ok := s.boundRoom(c, req)
	if !ok {
		return ack
	}

	var payload protocol.ActionPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "malformed action payload"))
	}
	if strings.TrimSpace(payload.ActionType) == "" {
		return protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeInvalidInput, "actionType cannot be empty"))
	}

	result, err := inst.Game.HandleAction(ctx, playerID, payload.ActionType, payload.Payload)
	if err != nil {
		return protocol.NewErrorAck(req.ID, err)
	}

	s.touch(ctx, inst.ID)

	out := protocol.NewAck(req.ID)
	out.Data = result
	return out
}

// handleStateRequest re-registers the requesting connection as the player's
// subscriber and hydrates it. This is the reconnection seam: same PlayerID,
// new ConnectionID.
func (s *Server) handleStateRequest(ctx context.Context, c *Conn, req *protocol.Request) protocol.Ack {
	inst, playerID, ack, ok := s.boundRoom(c, req)
	if !ok {
		return ack
	}

	s.registry.Subscribe(inst.ID, c.id)
	inst.Sync.RegisterPlayer(playerID, c.id)

	if err := inst.Game.ReconnectPlayer(ctx, playerID); err != nil {
		// Removed while away (grace expired): the binding is stale.
		inst.Sync.UnregisterPlayer(playerID)
		s.registry.Unsubscribe(inst.ID, c.id)
		s.dropAssociation(c, inst.ID, playerID)
		return protocol.NewErrorAck(req.ID, err)
	}

	s.touch(ctx, inst.ID)

	state := inst.Game.State()

	// Hydrate the fresh connection with a targeted sync frame as well. The
	// reconnect's broadcast raced the Subscribe above, so this connection may
	// have missed it.
	if err := inst.Sync.SendToPlayer(ctx, playerID, state); err != nil {
		logging.Warn(ctx, "Failed to hydrate reconnecting player",
			zap.String("roomId", string(inst.ID)),
			zap.String("playerId", string(playerID)), zap.Error(err))
	}

	out := protocol.NewAck(req.ID)
	out.RoomID = inst.ID
	out.PlayerID = playerID
	out.State = &state
	return out
}

// handleDisconnect runs when the read loop exits: the player enters their
// disconnect grace period but stays tracked so a reconnect can find the room.
func (s *Server) handleDisconnect(c *Conn) {
	ctx := context.Background()
	s.registry.Remove(c.id)

	roomID, playerID, bound := c.Binding()
	if !bound {
		return
	}

	inst, err := s.rooms.GetRoom(roomID)
	if err != nil {
		// Room already destroyed; nothing to tell it.
		return
	}

	// Only sever if we are still the player's live connection. A reconnect
	// may already have bound a newer one.
	if cur, ok := inst.Sync.ConnectionFor(playerID); !ok || cur != c.id {
		return
	}

	inst.Sync.UnregisterPlayer(playerID)
	if err := inst.Game.DisconnectPlayer(ctx, playerID); err != nil {
		logging.Warn(ctx, "Disconnect handling failed",
			zap.String("roomId", string(roomID)),
			zap.String("playerId", string(playerID)), zap.Error(err))
	}
}

// boundRoom resolves the connection's room binding for in-room requests. A
// dead binding (room destroyed) is cleaned up and reported as NOT_IN_ROOM.
func (s *Server) boundRoom(c *Conn, req *protocol.Request) (*rooms.Instance, types.PlayerID, protocol.Ack, bool) {
	roomID, playerID, bound := c.Binding()
	if !bound {
		return nil, "", protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeNotInRoom, "connection is not in a room")), false
	}

	inst, err := s.rooms.GetRoom(roomID)
	if err != nil {
		s.dropAssociation(c, roomID, playerID)
		return nil, "", protocol.NewErrorAck(req.ID, protocol.NewError(protocol.CodeNotInRoom, "room no longer exists")), false
	}
	return inst, playerID, protocol.Ack{}, true
}

// dropAssociation clears every trace of a player's membership on this
// connection: fan-out group, player index, connection context.
func (s *Server) dropAssociation(c *Conn, roomID types.RoomID, playerID types.PlayerID) {
	s.registry.Unsubscribe(roomID, c.id)
	s.rooms.UntrackPlayer(playerID)
	c.ClearBinding()
}

// refreshRoomRecord recounts players into the metadata record and bumps the
// room's activity clock.
func (s *Server) refreshRoomRecord(ctx context.Context, inst *rooms.Instance) {
	count := len(inst.Game.Players())
	hostID := types.PlayerID("")
	for _, p := range inst.Game.Players() {
		if p.IsHost {
			hostID = p.ID
			break
		}
	}

	patch := rooms.MetadataPatch{PlayerCount: &count}
	if hostID != "" {
		patch.HostPlayerID = &hostID
	}
	if err := s.rooms.UpdateRoomMetadata(ctx, inst.ID, patch); err != nil {
		logging.Error(ctx, "Failed to update room record",
			zap.String("roomId", string(inst.ID)), zap.Error(err))
	}
	s.touch(ctx, inst.ID)
}

func (s *Server) touch(ctx context.Context, roomID types.RoomID) {
	if err := s.rooms.TouchActivity(ctx, roomID); err != nil {
		logging.Warn(ctx, "Failed to touch room activity",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
}

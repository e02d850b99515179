// Package admin exposes the operator HTTP surface: server stats, room
// listing, and forced room/player teardown. Every route sits behind the
// x-api-key check; auth and rate limiting are wired by the router.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Connections is the slice of the transport registry the admin surface
// needs: severing a kicked player's connection context without closing the
// socket itself.
type Connections interface {
	Unsubscribe(roomID types.RoomID, connID types.ConnectionID)
	ClearGroup(roomID types.RoomID)
	ClearBinding(connID types.ConnectionID)
}

// Handler serves the /admin routes.
type Handler struct {
	manager *rooms.Manager
	conns   Connections
	apiKey  string
}

func NewHandler(manager *rooms.Manager, conns Connections, apiKey string) *Handler {
	return &Handler{manager: manager, conns: conns, apiKey: apiKey}
}

// Register mounts the admin routes on the given group, auth first.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.Use(h.RequireKey)
	rg.GET("/stats", h.Stats)
	rg.GET("/rooms", h.Rooms)
	rg.POST("/force-end/:roomId", h.ForceEnd)
	rg.POST("/kick/:roomId/:playerId", h.Kick)
}

// RequireKey rejects requests whose x-api-key header does not match the
// configured admin key. Comparison is constant time.
func (h *Handler) RequireKey(c *gin.Context) {
	key := c.GetHeader("x-api-key")
	if h.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.apiKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "invalid api key",
			"code":    protocol.CodeUnauthorized,
		})
		return
	}
	c.Next()
}

// Stats returns the server-wide counters.
// GET /admin/stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Stats())
}

// Rooms lists every live room.
// GET /admin/rooms
func (h *Handler) Rooms(c *gin.Context) {
	infos := h.manager.ListRooms(nil)
	c.JSON(http.StatusOK, gin.H{"rooms": infos, "count": len(infos)})
}

// ForceEnd ends a room's game, notifies its players, and tears the room down.
// POST /admin/force-end/:roomId
func (h *Handler) ForceEnd(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := rooms.NormalizeCode(c.Param("roomId"))

	inst, err := h.manager.GetRoom(roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := inst.Game.EndGame(ctx); err != nil {
		// Teardown proceeds regardless; the room is going away.
		logging.Warn(ctx, "Force-end: EndGame failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
	if err := inst.Sync.BroadcastClosed(ctx, "room closed by admin"); err != nil {
		logging.Warn(ctx, "Force-end: close notice failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
	h.conns.ClearGroup(roomID)

	if err := h.manager.DeleteRoomAs(ctx, roomID, rooms.ReasonAdmin); err != nil {
		respondError(c, err)
		return
	}

	logging.Info(ctx, "Room force-ended by admin", zap.String("roomId", string(roomID)))
	c.JSON(http.StatusOK, gin.H{"success": true, "roomId": roomID})
}

// Kick removes a player from a room. The player's connection context is
// severed but the socket stays open; their next request sees NOT_IN_ROOM.
// POST /admin/kick/:roomId/:playerId
func (h *Handler) Kick(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := rooms.NormalizeCode(c.Param("roomId"))
	playerID := types.PlayerID(c.Param("playerId"))

	inst, err := h.manager.GetRoom(roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	// Capture the connection before the leave mutates membership.
	connID, hasConn := inst.Sync.ConnectionFor(playerID)

	if err := inst.Game.LeavePlayer(ctx, playerID); err != nil {
		respondError(c, err)
		return
	}

	if err := inst.Sync.SendClosedToPlayer(ctx, playerID, "kicked by admin"); err != nil {
		logging.Warn(ctx, "Kick: close notice failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
	inst.Sync.UnregisterPlayer(playerID)
	h.manager.UntrackPlayer(playerID)
	if hasConn {
		h.conns.Unsubscribe(roomID, connID)
		h.conns.ClearBinding(connID)
	}

	players := inst.Game.Players()
	count := len(players)
	var hostID types.PlayerID
	for _, p := range players {
		if p.IsHost {
			hostID = p.ID
			break
		}
	}
	if err := h.manager.UpdateRoomMetadata(ctx, roomID, rooms.MetadataPatch{
		PlayerCount:  &count,
		HostPlayerID: &hostID,
	}); err != nil {
		logging.Warn(ctx, "Kick: metadata update failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}
	if err := h.manager.TouchActivity(ctx, roomID); err != nil {
		logging.Warn(ctx, "Kick: activity touch failed",
			zap.String("roomId", string(roomID)), zap.Error(err))
	}

	logging.Info(ctx, "Player kicked by admin",
		zap.String("roomId", string(roomID)), zap.String("playerId", string(playerID)))
	c.JSON(http.StatusOK, gin.H{"success": true, "roomId": roomID, "playerId": playerID})
}

func respondError(c *gin.Context, err error) {
	code := protocol.CodeOf(err)
	c.JSON(protocol.HTTPStatus(code), gin.H{"success": false, "error": err.Error(), "code": code})
}

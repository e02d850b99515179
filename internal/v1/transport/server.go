package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/metrics"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/ratelimit"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Server accepts websocket upgrades and runs the protocol dispatch for every
// connection. One Server fronts one room manager.
type Server struct {
	registry       *Registry
	rooms          *rooms.Manager
	limiter        *ratelimit.Limiter
	allowedOrigins []string
	startTime      time.Time
}

// NewServer wires the websocket surface. A nil limiter disables the upgrade
// rate check (tests, dev mode).
func NewServer(registry *Registry, manager *rooms.Manager, limiter *ratelimit.Limiter, allowedOrigins []string) *Server {
	return &Server{
		registry:       registry,
		rooms:          manager,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		startTime:      time.Now(),
	}
}

// Uptime reports how long this server has been accepting connections.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// ServeWs rate-limits, validates the origin, and upgrades to a websocket.
func (s *Server) ServeWs(c *gin.Context) {
	if s.limiter != nil && !s.limiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	if err := validateOrigin(c.Request, s.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	ws, err := s.upgradeWebSocket(c)
	if err != nil {
		return
	}

	s.HandleConnection(c, ws)
}

// HandleConnection takes an established websocket and starts the pumps.
// Split from ServeWs so tests can drive a mock connection.
func (s *Server) HandleConnection(c *gin.Context, ws wsConnection) {
	conn := newConn(types.ConnectionID(uuid.NewString()), ws)
	s.registry.Add(conn)
	metrics.IncConnection()

	// Reconnection seam: pre-bind when the query names a pair the player
	// index confirms. The client still sends state:request to re-register
	// its subscription.
	roomID := rooms.NormalizeCode(c.Query("roomId"))
	playerID := types.PlayerID(c.Query("playerId"))
	if roomID != "" && playerID != "" {
		if tracked, ok := s.rooms.RoomIDForPlayer(playerID); ok && tracked == roomID {
			conn.Bind(roomID, playerID)
			logging.Info(c.Request.Context(), "Connection pre-bound for reconnection",
				zap.String("connectionId", string(conn.id)),
				zap.String("roomId", string(roomID)),
				zap.String("playerId", string(playerID)))
		}
	}

	go conn.writePump()
	go s.readPump(conn)
}

// readPump is the single reader goroutine for one connection; it guarantees
// acks go out in request order.
func (s *Server) readPump(c *Conn) {
	defer func() {
		s.handleDisconnect(c)
		c.Close()
		_ = c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			logging.Warn(context.Background(), "Malformed frame",
				zap.String("connectionId", string(c.id)), zap.Error(err))
			s.sendAck(c, protocol.NewErrorAck("", protocol.NewError(protocol.CodeInvalidInput, "malformed JSON frame")))
			continue
		}

		s.dispatch(context.Background(), c, &req)
	}
}

// validateOrigin checks if the request origin is in the allowed list.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil // Allow non-browser clients (e.g., for testing)
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket handles the WebSocket upgrade process.
func (s *Server) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, s.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return ws, nil
}

// Shutdown tells every live connection the server is going away, then closes
// them all.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down connection server")

	data, err := protocol.EncodeRoomClosed("server shutting down")
	if err != nil {
		return err
	}
	s.registry.PublishAll(data)

	conns := s.registry.allConns()
	for _, c := range conns {
		c.Close()
	}

	logging.Info(ctx, "All connections closed", zap.Int("count", len(conns)))
	return nil
}

// Package transport owns the websocket surface: the connection registry with
// its room fan-out groups, the per-connection pumps, and the protocol
// dispatcher that turns wire requests into room manager and game calls.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const sendBufferSize = 256

// Conn is a single websocket connection. Its room/player binding is the
// connection context: set on create/join, replaced on reconnect, cleared on
// leave or admin kick.
type Conn struct {
	id   types.ConnectionID
	conn wsConnection

	mu       sync.RWMutex
	roomID   types.RoomID
	playerID types.PlayerID
	bound    bool
	closed   bool

	send         chan []byte // state updates, events
	prioritySend chan []byte // acks, errors, room:closed
}

func newConn(id types.ConnectionID, ws wsConnection) *Conn {
	return &Conn{
		id:           id,
		conn:         ws,
		send:         make(chan []byte, sendBufferSize),
		prioritySend: make(chan []byte, sendBufferSize),
	}
}

func (c *Conn) ID() types.ConnectionID {
	return c.id
}

// Bind attaches the connection to a room and player.
func (c *Conn) Bind(roomID types.RoomID, playerID types.PlayerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.playerID = playerID
	c.bound = true
}

// ClearBinding drops the room association; the connection stays open and the
// next request observes NOT_IN_ROOM.
func (c *Conn) ClearBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = ""
	c.playerID = ""
	c.bound = false
}

// Binding returns the current room association.
func (c *Conn) Binding() (types.RoomID, types.PlayerID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID, c.playerID, c.bound
}

// Close shuts the connection down exactly once. Closing the channels makes
// the writePump drain, send a close frame, and close the socket.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	close(c.prioritySend)
}

// Send queues a frame on the normal lane, dropping it when the buffer is
// full; a slow consumer must not stall the room.
func (c *Conn) Send(data []byte) {
	if c.isClosed() {
		return
	}
	defer c.recoverSendRace()

	select {
	case c.send <- data:
	default:
		logging.Warn(context.Background(), "Connection send buffer full, dropping frame",
			zap.String("connectionId", string(c.id)))
	}
}

// SendPriority queues a frame on the priority lane so it outruns queued
// state updates.
func (c *Conn) SendPriority(data []byte) {
	if c.isClosed() {
		return
	}
	defer c.recoverSendRace()

	select {
	case c.prioritySend <- data:
	default:
		logging.Error(context.Background(), "Connection priority buffer full, dropping critical frame",
			zap.String("connectionId", string(c.id)))
	}
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// recoverSendRace absorbs the send-on-closed-channel panic that a close
// racing a publish can produce.
func (c *Conn) recoverSendRace() {
	if r := recover(); r != nil {
		logging.Warn(context.Background(), "Recovered from send on closing connection",
			zap.String("connectionId", string(c.id)), zap.Any("panic", r))
	}
}

func (c *Conn) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for {
		select {
		case message, ok := <-c.prioritySend:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing priority message", zap.Error(err))
				return
			}
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logging.Error(context.Background(), "error writing message", zap.Error(err))
				return
			}
		}
	}
}

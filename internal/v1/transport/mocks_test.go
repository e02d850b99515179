package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/storage"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// mockConn is a scriptable wsConnection: tests push client frames into in
// and observe server frames on out.
type mockConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-m.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-m.closed:
		return 0, nil, io.EOF
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	select {
	case m.out <- data:
	default:
	}
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

const testGameType = "party"

// Polling windows for assert.Eventually.
const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// shortGrace keeps disconnect-removal tests fast.
const shortGrace = 50 * time.Millisecond

func newGameRegistry() *game.Registry {
	r := game.NewRegistry()
	r.Register(testGameType, func(roomID types.RoomID, sync types.Synchronizer, hooks types.GameHooks) (types.Game, error) {
		core, err := game.NewCore(roomID, types.GameConfig{
			MinPlayers:        1,
			MaxPlayers:        4,
			Phases:            []types.PhaseID{"lobby", "playing", "ended"},
			DisconnectTimeout: shortGrace,
		}, sync, hooks)
		if err != nil {
			return nil, err
		}
		core.RegisterAction("echo", func(ctx context.Context, g *game.Core, actor types.Player, payload json.RawMessage) (any, error) {
			return map[string]any{"from": string(actor.ID), "payload": json.RawMessage(payload)}, nil
		})
		return core, nil
	})
	return r
}

type harness struct {
	server   *Server
	registry *Registry
	manager  *rooms.Manager
	store    *storage.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemory()
	require.NoError(t, store.Initialize(context.Background()))
	registry := NewRegistry()
	manager := rooms.NewManager(rooms.Config{}, store, newGameRegistry(), registry)
	t.Cleanup(manager.Shutdown)

	server := NewServer(registry, manager, nil, []string{"http://localhost:3000"})
	return &harness{server: server, registry: registry, manager: manager, store: store}
}

// testClient is one fake websocket client attached to the harness.
type testClient struct {
	conn *mockConn
}

func (h *harness) connect(t *testing.T, query string) *testClient {
	t.Helper()
	ws := newMockConn()
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/ws"+query, nil)
	h.server.HandleConnection(c, ws)

	tc := &testClient{conn: ws}
	t.Cleanup(tc.close)
	return tc
}

func (tc *testClient) close() {
	tc.conn.closeOnce.Do(func() { close(tc.conn.closed) })
}

func (tc *testClient) send(t *testing.T, msgType, id string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	frame, err := json.Marshal(protocol.Request{Type: msgType, ID: id, Payload: raw})
	require.NoError(t, err)
	tc.conn.in <- frame
}

func (tc *testClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	tc.conn.in <- data
}

func (tc *testClient) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-tc.conn.out:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// recvAck reads frames until the next ack, skipping interleaved broadcasts.
func (tc *testClient) recvAck(t *testing.T) protocol.Ack {
	t.Helper()
	for {
		data := tc.nextFrame(t)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type != protocol.MsgAck {
			continue
		}
		var ack protocol.Ack
		require.NoError(t, json.Unmarshal(data, &ack))
		return ack
	}
}

// recvState reads frames until a state:update satisfying the predicate.
func (tc *testClient) recvState(t *testing.T, pred func(types.GameState) bool) types.GameState {
	t.Helper()
	for {
		data := tc.nextFrame(t)
		var frame protocol.StateFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type != protocol.MsgStateUpdate {
			continue
		}
		if pred == nil || pred(frame.State) {
			return frame.State
		}
	}
}

// recvFrameOfType reads frames until one of the given type arrives.
func (tc *testClient) recvFrameOfType(t *testing.T, frameType string) []byte {
	t.Helper()
	for {
		data := tc.nextFrame(t)
		var head struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &head))
		if head.Type == frameType {
			return data
		}
	}
}

// createRoom drives a full room:create and returns the ack.
func (h *harness) createRoom(t *testing.T, tc *testClient, hostName string) protocol.Ack {
	t.Helper()
	tc.send(t, protocol.MsgRoomCreate, "create-1", protocol.CreatePayload{GameType: testGameType, HostName: hostName})
	ack := tc.recvAck(t)
	require.True(t, ack.Success, "room:create failed: %s", ack.Error)
	return ack
}

func (h *harness) joinRoom(t *testing.T, tc *testClient, roomID types.RoomID, name string) protocol.Ack {
	t.Helper()
	tc.send(t, protocol.MsgRoomJoin, "join-1", protocol.JoinPayload{RoomID: string(roomID), PlayerName: name})
	ack := tc.recvAck(t)
	require.True(t, ack.Success, "room:join failed: %s", ack.Error)
	return ack
}

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/rooms"
	"github.com/bonfire-party/bonfire/internal/v1/storage"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testAPIKey = "sekrit"

// recordingBroadcaster captures the frames the synchronizers publish so tests
// can assert on close notices without a live transport.
type recordingBroadcaster struct {
	mu         sync.Mutex
	roomFrames map[types.RoomID][][]byte
	connFrames map[types.ConnectionID][][]byte
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{
		roomFrames: make(map[types.RoomID][][]byte),
		connFrames: make(map[types.ConnectionID][][]byte),
	}
}

func (b *recordingBroadcaster) PublishRoom(roomID types.RoomID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roomFrames[roomID] = append(b.roomFrames[roomID], data)
}

func (b *recordingBroadcaster) PublishConn(connID types.ConnectionID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connFrames[connID] = append(b.connFrames[connID], data)
}

func (b *recordingBroadcaster) PublishRoomPriority(roomID types.RoomID, data []byte) {
	b.PublishRoom(roomID, data)
}

func (b *recordingBroadcaster) PublishConnPriority(connID types.ConnectionID, data []byte) {
	b.PublishConn(connID, data)
}

func (b *recordingBroadcaster) lastConnFrame(connID types.ConnectionID) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	frames := b.connFrames[connID]
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (b *recordingBroadcaster) roomFrameCount(roomID types.RoomID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.roomFrames[roomID])
}

// fakeConns records the severing calls the handler makes against the
// transport registry.
type fakeConns struct {
	mu              sync.Mutex
	unsubscribed    []types.ConnectionID
	clearedGroups   []types.RoomID
	clearedBindings []types.ConnectionID
}

func (f *fakeConns) Unsubscribe(_ types.RoomID, connID types.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, connID)
}

func (f *fakeConns) ClearGroup(roomID types.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedGroups = append(f.clearedGroups, roomID)
}

func (f *fakeConns) ClearBinding(connID types.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedBindings = append(f.clearedBindings, connID)
}

const testGameType = "testgame"

func testGameRegistry() *game.Registry {
	r := game.NewRegistry()
	r.Register(testGameType, func(roomID types.RoomID, sync types.Synchronizer, hooks types.GameHooks) (types.Game, error) {
		return game.NewCore(roomID, types.GameConfig{
			MinPlayers:        1,
			MaxPlayers:        4,
			Phases:            []types.PhaseID{"lobby", "playing", "ended"},
			DisconnectTimeout: time.Second,
		}, sync, hooks)
	})
	return r
}

type harness struct {
	router      *gin.Engine
	manager     *rooms.Manager
	store       *storage.Memory
	broadcaster *recordingBroadcaster
	conns       *fakeConns
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemory()
	require.NoError(t, store.Initialize(context.Background()))
	b := newRecordingBroadcaster()
	manager := rooms.NewManager(rooms.Config{}, store, testGameRegistry(), b)
	t.Cleanup(manager.Shutdown)

	conns := &fakeConns{}
	handler := NewHandler(manager, conns, testAPIKey)

	router := gin.New()
	handler.Register(router.Group("/admin"))

	return &harness{router: router, manager: manager, store: store, broadcaster: b, conns: conns}
}

// addRoom creates a room with the given players joined and registered. The
// first player is the host.
func (h *harness) addRoom(t *testing.T, players ...types.PlayerID) *rooms.Instance {
	t.Helper()
	ctx := context.Background()

	inst, err := h.manager.CreateRoom(ctx, players[0], testGameType)
	require.NoError(t, err)

	for i, id := range players {
		connID := types.ConnectionID("conn-" + string(id))
		inst.Sync.RegisterPlayer(id, connID)
		require.NoError(t, inst.Game.JoinPlayer(ctx, types.Player{
			ID:          id,
			Name:        "player " + string(id),
			IsHost:      i == 0,
			IsConnected: true,
			JoinedAt:    time.Now().UnixMilli() + int64(i),
		}))
		h.manager.TrackPlayer(id, inst.ID)
	}
	return inst
}

func (h *harness) do(method, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingKey(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/admin/stats", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	h := newHarness(t)
	w := h.do("GET", "/admin/stats", "not-the-key")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(protocol.CodeUnauthorized), body["code"])
}

func TestAuth_EmptyConfiguredKeyRejectsEverything(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(nil, &fakeConns{}, "")
	router := gin.New()
	router.GET("/admin/stats", handler.RequireKey, handler.Stats)

	req := httptest.NewRequest("GET", "/admin/stats", nil)
	req.Header.Set("x-api-key", "")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.addRoom(t, "p1")

	w := h.do("GET", "/admin/stats", testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	var stats types.ServerStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRooms)
	assert.Equal(t, 1, stats.TotalPlayers)
}

func TestRooms(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1", "p2")

	w := h.do("GET", "/admin/rooms", testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Rooms []types.RoomInfo `json:"rooms"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, inst.ID, body.Rooms[0].RoomID)
	assert.Equal(t, 2, body.Rooms[0].PlayerCount)
}

func TestForceEnd(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1", "p2")
	framesBefore := h.broadcaster.roomFrameCount(inst.ID)

	w := h.do("POST", "/admin/force-end/"+string(inst.ID), testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	// Players were told before teardown.
	assert.Greater(t, h.broadcaster.roomFrameCount(inst.ID), framesBefore)

	assert.False(t, h.manager.HasRoom(inst.ID))
	assert.Contains(t, h.conns.clearedGroups, inst.ID)

	// The evicted instance went through the full lifecycle and is now closed.
	assert.Equal(t, types.StatusClosed, inst.Metadata().Status)

	// Storage row is gone too.
	meta, err := h.store.GetRoomMetadata(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Nil(t, meta)

	// Player index was evicted with the room.
	_, tracked := h.manager.RoomIDForPlayer("p1")
	assert.False(t, tracked)
}

func TestForceEnd_RoomNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do("POST", "/admin/force-end/NOROOM", testAPIKey)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(protocol.CodeRoomNotFound), body["code"])
}

func TestForceEnd_LowercaseRoomIDNormalized(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1")

	w := h.do("POST", "/admin/force-end/"+strings.ToLower(string(inst.ID)), testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.manager.HasRoom(inst.ID))
}

func TestKick(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1", "p2")

	w := h.do("POST", "/admin/kick/"+string(inst.ID)+"/p2", testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	// The player is out of the game and the index.
	for _, p := range inst.Game.Players() {
		assert.NotEqual(t, types.PlayerID("p2"), p.ID)
	}
	_, tracked := h.manager.RoomIDForPlayer("p2")
	assert.False(t, tracked)

	// The kicked player got a targeted close notice.
	frame := h.broadcaster.lastConnFrame("conn-p2")
	require.NotNil(t, frame)
	var closed protocol.ClosedFrame
	require.NoError(t, json.Unmarshal(frame, &closed))
	assert.Equal(t, protocol.MsgRoomClosed, closed.Type)
	assert.Contains(t, closed.Reason, "kicked")

	// Connection context severed, socket left open.
	assert.Contains(t, h.conns.clearedBindings, types.ConnectionID("conn-p2"))
	assert.Contains(t, h.conns.unsubscribed, types.ConnectionID("conn-p2"))

	// Metadata reflects the new headcount.
	meta := inst.Metadata()
	assert.Equal(t, 1, meta.PlayerCount)
	assert.Equal(t, types.PlayerID("p1"), meta.HostPlayerID)

	// The room itself survives.
	assert.True(t, h.manager.HasRoom(inst.ID))
}

func TestKick_HostPromotesRemaining(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1", "p2")

	w := h.do("POST", "/admin/kick/"+string(inst.ID)+"/p1", testAPIKey)
	require.Equal(t, http.StatusOK, w.Code)

	players := inst.Game.Players()
	require.Len(t, players, 1)
	assert.Equal(t, types.PlayerID("p2"), players[0].ID)
	assert.True(t, players[0].IsHost)

	meta := inst.Metadata()
	assert.Equal(t, types.PlayerID("p2"), meta.HostPlayerID)
}

func TestKick_PlayerNotFound(t *testing.T) {
	h := newHarness(t)
	inst := h.addRoom(t, "p1")

	w := h.do("POST", "/admin/kick/"+string(inst.ID)+"/ghost", testAPIKey)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, string(protocol.CodePlayerNotFound), body["code"])
}

func TestKick_RoomNotFound(t *testing.T) {
	h := newHarness(t)
	w := h.do("POST", "/admin/kick/NOROOM/p1", testAPIKey)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

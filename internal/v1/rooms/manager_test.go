package rooms

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/storage"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingBroadcaster captures room-level frames; manager tests only care
// about the priority lane used for room:closed.
type recordingBroadcaster struct {
	mu       sync.Mutex
	priority [][]byte
}

func (b *recordingBroadcaster) PublishRoom(types.RoomID, []byte) {}
func (b *recordingBroadcaster) PublishConn(types.ConnectionID, []byte) {}
func (b *recordingBroadcaster) PublishConnPriority(types.ConnectionID, []byte) {}

func (b *recordingBroadcaster) PublishRoomPriority(_ types.RoomID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.priority = append(b.priority, data)
}

func (b *recordingBroadcaster) priorityCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.priority)
}

const testGameType = "testgame"

func testRegistry(disconnectTimeout time.Duration) *game.Registry {
	r := game.NewRegistry()
	r.Register(testGameType, func(roomID types.RoomID, sync types.Synchronizer, hooks types.GameHooks) (types.Game, error) {
		return game.NewCore(roomID, types.GameConfig{
			MinPlayers:        1,
			MaxPlayers:        4,
			Phases:            []types.PhaseID{"lobby", "playing", "ended"},
			DisconnectTimeout: disconnectTimeout,
		}, sync, hooks)
	})
	return r
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *storage.Memory, *recordingBroadcaster) {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.Initialize(context.Background()))
	b := &recordingBroadcaster{}
	m := NewManager(cfg, store, testRegistry(30*time.Millisecond), b)
	t.Cleanup(m.Shutdown)
	return m, store, b
}

func TestCreateRoom(t *testing.T) {
	m, store, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	assert.True(t, IsValidCode(inst.ID))
	assert.True(t, m.HasRoom(inst.ID))

	meta := inst.Metadata()
	assert.Equal(t, types.StatusWaiting, meta.Status)
	assert.Equal(t, types.PlayerID("p1"), meta.HostPlayerID)
	assert.Equal(t, testGameType, meta.GameType)

	// Metadata was persisted at creation.
	stored, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, meta, *stored)
}

func TestCreateRoom_UnknownGameType(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.CreateRoom(context.Background(), "p1", "no-such-game")
	assert.Equal(t, protocol.CodeInvalidInput, protocol.CodeOf(err))
}

func TestCreateRoom_LimitReached(t *testing.T) {
	m, _, _ := newTestManager(t, Config{MaxRooms: 1})
	ctx := context.Background()

	_, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	_, err = m.CreateRoom(ctx, "p2", testGameType)
	assert.Equal(t, protocol.CodeLimitReached, protocol.CodeOf(err))
}

func TestCreateRoom_CodeExhaustion(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	m.mintCode = func() types.RoomID { return "AAAA22" }
	ctx := context.Background()

	_, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	_, err = m.CreateRoom(ctx, "p2", testGameType)
	assert.Equal(t, protocol.CodeCodeExhaustion, protocol.CodeOf(err))
}

func TestGetRoom_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	_, err := m.GetRoom("ZZZZ99")
	assert.Equal(t, protocol.CodeRoomNotFound, protocol.CodeOf(err))
}

func TestDeleteRoom(t *testing.T) {
	m, store, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	m.TrackPlayer("p1", inst.ID)

	require.NoError(t, m.DeleteRoom(ctx, inst.ID))
	assert.False(t, m.HasRoom(inst.ID))

	// Player index entry is evicted with the room.
	_, tracked := m.RoomIDForPlayer("p1")
	assert.False(t, tracked)

	// Storage row gone.
	meta, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, meta)

	// Idempotent.
	require.NoError(t, m.DeleteRoom(ctx, inst.ID))
}

func TestPlayerTracking(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})

	m.TrackPlayer("p1", "ROOM22")
	roomID, ok := m.RoomIDForPlayer("p1")
	require.True(t, ok)
	assert.Equal(t, types.RoomID("ROOM22"), roomID)

	// A player can only be in one room; a second track replaces the first.
	m.TrackPlayer("p1", "ROOM33")
	roomID, _ = m.RoomIDForPlayer("p1")
	assert.Equal(t, types.RoomID("ROOM33"), roomID)

	m.UntrackPlayer("p1")
	_, ok = m.RoomIDForPlayer("p1")
	assert.False(t, ok)
}

func TestListRooms(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	a, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "p2", testGameType)
	require.NoError(t, err)

	all := m.ListRooms(nil)
	assert.Len(t, all, 2)

	playing := types.StatusPlaying
	require.NoError(t, m.UpdateRoomMetadata(ctx, a.ID, MetadataPatch{Status: &playing}))

	filtered := m.ListRooms(func(info types.RoomInfo) bool {
		return info.Status == types.StatusPlaying
	})
	require.Len(t, filtered, 1)
	assert.Equal(t, a.ID, filtered[0].RoomID)
}

func TestUpdateRoomMetadata(t *testing.T) {
	m, store, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	count := 3
	status := types.StatusPlaying
	require.NoError(t, m.UpdateRoomMetadata(ctx, inst.ID, MetadataPatch{PlayerCount: &count, Status: &status}))

	meta := inst.Metadata()
	assert.Equal(t, 3, meta.PlayerCount)
	assert.Equal(t, types.StatusPlaying, meta.Status)
	// Untouched fields survive the patch.
	assert.Equal(t, types.PlayerID("p1"), meta.HostPlayerID)

	stored, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, meta, *stored)

	err = m.UpdateRoomMetadata(ctx, "ZZZZ99", MetadataPatch{})
	assert.Equal(t, protocol.CodeRoomNotFound, protocol.CodeOf(err))
}

func TestRoomStatusLifecycle(t *testing.T) {
	m, store, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	// Finishing the game moves the room to ended, in memory and in storage.
	require.NoError(t, inst.Game.EndGame(ctx))
	assert.Equal(t, types.StatusEnded, inst.Metadata().Status)

	stored, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, types.StatusEnded, stored.Status)

	// Teardown leaves the evicted instance closed.
	require.NoError(t, m.DeleteRoom(ctx, inst.ID))
	assert.Equal(t, types.StatusClosed, inst.Metadata().Status)
}

func TestRoomTTL_TimerExpiry(t *testing.T) {
	m, store, b := newTestManager(t, Config{DefaultTTL: 40 * time.Millisecond})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !m.HasRoom(inst.ID)
	}, time.Second, 10*time.Millisecond)

	// Subscribers were told before teardown.
	assert.GreaterOrEqual(t, b.priorityCount(), 1)

	meta, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestRoomTTL_TouchReschedules(t *testing.T) {
	m, _, _ := newTestManager(t, Config{DefaultTTL: 60 * time.Millisecond})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	// Keep touching past several would-be expirations.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, m.TouchActivity(ctx, inst.ID))
		time.Sleep(20 * time.Millisecond)
	}
	assert.True(t, m.HasRoom(inst.ID), "touched room must not expire")

	// Stop touching and it goes away.
	assert.Eventually(t, func() bool {
		return !m.HasRoom(inst.ID)
	}, time.Second, 10*time.Millisecond)
}

func TestSweepExpired(t *testing.T) {
	m, store, _ := newTestManager(t, Config{DefaultTTL: time.Hour})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	// Backdate the room past the TTL, then sweep.
	old := types.NowMillis() - (2 * time.Hour).Milliseconds()
	require.NoError(t, m.UpdateRoomMetadata(ctx, inst.ID, MetadataPatch{LastActivity: &old}))
	m.sweepExpired(ctx)
	assert.False(t, m.HasRoom(inst.ID))

	// Orphaned storage rows (no catalog entry) are swept too.
	require.NoError(t, store.UpsertRoomMetadata(ctx, "GONE22", types.RoomMetadata{RoomID: "GONE22", LastActivity: old}))
	m.sweepExpired(ctx)
	meta, err := store.GetRoomMetadata(ctx, "GONE22")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestStartStopCleanup(t *testing.T) {
	m, store, _ := newTestManager(t, Config{DefaultTTL: 50 * time.Millisecond, CleanupInterval: 20 * time.Millisecond})
	ctx := context.Background()

	old := types.NowMillis() - time.Hour.Milliseconds()
	require.NoError(t, store.UpsertRoomMetadata(ctx, "OLD222", types.RoomMetadata{RoomID: "OLD222", LastActivity: old}))

	m.StartCleanup()
	m.StartCleanup() // second start is a no-op

	assert.Eventually(t, func() bool {
		meta, err := store.GetRoomMetadata(ctx, "OLD222")
		return err == nil && meta == nil
	}, time.Second, 10*time.Millisecond)

	m.StopCleanup()
	m.StopCleanup() // second stop is a no-op
}

func TestHandlePlayerRemoved_ViaDisconnectGrace(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	player := types.Player{ID: "p1", Name: "Alice", IsHost: true, IsConnected: true, JoinedAt: types.NowMillis()}
	require.NoError(t, inst.Game.JoinPlayer(ctx, player))
	m.TrackPlayer("p1", inst.ID)

	require.NoError(t, inst.Game.DisconnectPlayer(ctx, "p1"))

	// Grace expiry removes the player from the game and the hook untracks
	// them and refreshes the metadata.
	assert.Eventually(t, func() bool {
		_, tracked := m.RoomIDForPlayer("p1")
		return !tracked && inst.Metadata().PlayerCount == 0
	}, time.Second, 10*time.Millisecond)

	// The empty room survives until its TTL.
	assert.True(t, m.HasRoom(inst.ID))
}

func TestShutdown(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Initialize(context.Background()))
	m := NewManager(Config{}, store, testRegistry(30*time.Millisecond), &recordingBroadcaster{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	m.TrackPlayer("p1", inst.ID)
	m.StartCleanup()

	m.Shutdown()
	assert.False(t, m.HasRoom(inst.ID))
	_, tracked := m.RoomIDForPlayer("p1")
	assert.False(t, tracked)

	// Durable state is left for the next process.
	meta, err := store.GetRoomMetadata(ctx, inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, meta)
}

func TestStats(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	a, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	_, err = m.CreateRoom(ctx, "p2", testGameType)
	require.NoError(t, err)
	m.TrackPlayer("p1", a.ID)

	playing := types.StatusPlaying
	require.NoError(t, m.UpdateRoomMetadata(ctx, a.ID, MetadataPatch{Status: &playing}))

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalRooms)
	assert.Equal(t, 1, stats.TotalPlayers)
	assert.Equal(t, 1, stats.RoomsByStatus[types.StatusPlaying])
	assert.Equal(t, 1, stats.RoomsByStatus[types.StatusWaiting])
	assert.GreaterOrEqual(t, stats.UptimeMillis, int64(0))
	assert.Greater(t, stats.MemoryUsage, uint64(0))
}

func TestInstanceInfo(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)

	host := types.Player{ID: "p1", Name: "Alice", IsHost: true, IsConnected: true, JoinedAt: types.NowMillis()}
	require.NoError(t, inst.Game.JoinPlayer(ctx, host))
	count := 1
	require.NoError(t, m.UpdateRoomMetadata(ctx, inst.ID, MetadataPatch{PlayerCount: &count}))

	info := inst.Info()
	assert.Equal(t, inst.ID, info.RoomID)
	assert.Equal(t, "Alice", info.HostName)
	assert.Equal(t, 1, info.PlayerCount)
	assert.Equal(t, 4, info.MaxPlayers)
	assert.Equal(t, testGameType, info.GameType)
}

// Compile-time check that action payloads round-trip through the instance's
// game like any other Core-based game.
func TestInstanceGameAction(t *testing.T) {
	m, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	inst, err := m.CreateRoom(ctx, "p1", testGameType)
	require.NoError(t, err)
	require.NoError(t, inst.Game.JoinPlayer(ctx, types.Player{ID: "p1", Name: "Alice", IsConnected: true, JoinedAt: 1}))

	_, err = inst.Game.HandleAction(ctx, "p1", "nope", json.RawMessage(`{}`))
	assert.Equal(t, protocol.CodeNotImplemented, protocol.CodeOf(err))
}

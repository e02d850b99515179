package rooms

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/fanout"
	"github.com/bonfire-party/bonfire/internal/v1/game"
	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/metrics"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// mintRetries bounds code-collision retries before giving up on creation.
const mintRetries = 10

// Deletion reason labels for the room deletion counter.
const (
	ReasonManual   = "manual"
	ReasonAdmin    = "admin"
	ReasonTTLTimer = "ttl_timer"
	ReasonTTLScan  = "ttl_scan"
)

type Config struct {
	DefaultTTL      time.Duration
	MaxRooms        int
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = 1000
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Manager owns the catalog of live rooms, the player index, and room
// expiry. It never calls into a Game or Synchronizer while holding its own
// mutex.
type Manager struct {
	cfg         Config
	store       types.Storage
	registry    *game.Registry
	broadcaster types.Broadcaster
	startedAt   time.Time

	// mintCode is swappable in tests to force collisions.
	mintCode func() types.RoomID

	mu            sync.Mutex
	rooms         map[types.RoomID]*Instance
	playerRooms   map[types.PlayerID]types.RoomID
	cleanupTimers map[types.RoomID]*time.Timer

	scanStop chan struct{}
	scanDone chan struct{}
}

func NewManager(cfg Config, store types.Storage, registry *game.Registry, broadcaster types.Broadcaster) *Manager {
	return &Manager{
		cfg:           cfg.withDefaults(),
		store:         store,
		registry:      registry,
		broadcaster:   broadcaster,
		startedAt:     time.Now(),
		mintCode:      GenerateCode,
		rooms:         make(map[types.RoomID]*Instance),
		playerRooms:   make(map[types.PlayerID]types.RoomID),
		cleanupTimers: make(map[types.RoomID]*time.Timer),
	}
}

// CreateRoom mints a code, builds the game through the registered factory,
// persists the initial metadata, and arms the room's TTL timer.
func (m *Manager) CreateRoom(ctx context.Context, hostPlayerID types.PlayerID, gameType string) (*Instance, error) {
	factory, err := m.registry.Resolve(gameType)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if len(m.rooms) >= m.cfg.MaxRooms {
		m.mu.Unlock()
		return nil, protocol.NewErrorf(protocol.CodeLimitReached, "room limit of %d reached", m.cfg.MaxRooms)
	}

	var id types.RoomID
	minted := false
	for i := 0; i < mintRetries; i++ {
		id = m.mintCode()
		if _, exists := m.rooms[id]; !exists {
			minted = true
			break
		}
	}
	if !minted {
		m.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeCodeExhaustion, "could not mint a unique room code")
	}

	sync := fanout.New(id, m.store, m.broadcaster)
	hooks := types.GameHooks{
		OnPlayerRemoved: func(playerID types.PlayerID) {
			m.handlePlayerRemoved(id, playerID)
		},
		OnGameEnded: func() {
			m.handleGameEnded(id)
		},
	}
	g, err := factory(id, sync, hooks)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := types.NowMillis()
	inst := &Instance{
		ID:   id,
		Game: g,
		Sync: sync,
		meta: types.RoomMetadata{
			RoomID:       id,
			CreatedAt:    now,
			LastActivity: now,
			HostPlayerID: hostPlayerID,
			Status:       types.StatusWaiting,
			GameType:     gameType,
		},
	}
	m.rooms[id] = inst
	m.cleanupTimers[id] = time.AfterFunc(m.cfg.DefaultTTL, func() { m.expireRoom(id) })
	m.mu.Unlock()

	metrics.ActiveRooms.Inc()

	if err := m.store.UpsertRoomMetadata(ctx, id, inst.Metadata()); err != nil {
		logging.Error(ctx, "Failed to persist new room, rolling back",
			zap.String("roomId", string(id)), zap.Error(err))
		_ = m.deleteRoom(ctx, id, ReasonManual)
		return nil, err
	}

	logging.Info(ctx, "Room created",
		zap.String("roomId", string(id)),
		zap.String("gameType", gameType),
		zap.String("hostPlayerId", string(hostPlayerID)))
	return inst, nil
}

func (m *Manager) GetRoom(id types.RoomID) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.rooms[id]
	if !ok {
		return nil, protocol.NewErrorf(protocol.CodeRoomNotFound, "room %s not found", id)
	}
	return inst, nil
}

func (m *Manager) HasRoom(id types.RoomID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[id]
	return ok
}

// DeleteRoom tears a room down: timer cancelled, index entries evicted,
// subscribers cleared, storage deleted. Idempotent; deleting an unknown room
// is a no-op.
func (m *Manager) DeleteRoom(ctx context.Context, id types.RoomID) error {
	return m.deleteRoom(ctx, id, ReasonManual)
}

// DeleteRoomAs is DeleteRoom with an explicit reason label for the teardown
// metric, used by the admin surface.
func (m *Manager) DeleteRoomAs(ctx context.Context, id types.RoomID, reason string) error {
	return m.deleteRoom(ctx, id, reason)
}

func (m *Manager) deleteRoom(ctx context.Context, id types.RoomID, reason string) error {
	m.mu.Lock()
	inst, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.rooms, id)
	if t, ok := m.cleanupTimers[id]; ok {
		t.Stop()
		delete(m.cleanupTimers, id)
	}
	for playerID, roomID := range m.playerRooms {
		if roomID == id {
			delete(m.playerRooms, playerID)
		}
	}
	m.mu.Unlock()

	// The room leaves the catalog as closed. The storage row is about to be
	// deleted, so the transition only needs to land on the instance.
	inst.patchMeta(func(meta *types.RoomMetadata) {
		meta.Status = types.StatusClosed
	})

	inst.Sync.ClearSubscribers()
	metrics.ActiveRooms.Dec()
	metrics.RoomPlayers.DeleteLabelValues(string(id))
	metrics.RoomDeletions.WithLabelValues(reason).Inc()

	if err := m.store.DeleteRoom(ctx, id); err != nil {
		logging.Error(ctx, "Failed to delete room from storage",
			zap.String("roomId", string(id)), zap.Error(err))
		return err
	}

	logging.Info(ctx, "Room deleted",
		zap.String("roomId", string(id)), zap.String("reason", reason))
	return nil
}

// ListRooms returns the listing view of every room matching the filter. A
// nil filter matches everything.
func (m *Manager) ListRooms(filter func(types.RoomInfo) bool) []types.RoomInfo {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.rooms))
	for _, inst := range m.rooms {
		instances = append(instances, inst)
	}
	m.mu.Unlock()

	out := make([]types.RoomInfo, 0, len(instances))
	for _, inst := range instances {
		info := inst.Info()
		if filter == nil || filter(info) {
			out = append(out, info)
		}
	}
	return out
}

// TrackPlayer records which room a player belongs to.
func (m *Manager) TrackPlayer(playerID types.PlayerID, roomID types.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playerRooms[playerID] = roomID
}

func (m *Manager) UntrackPlayer(playerID types.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.playerRooms, playerID)
}

func (m *Manager) RoomIDForPlayer(playerID types.PlayerID) (types.RoomID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roomID, ok := m.playerRooms[playerID]
	return roomID, ok
}

// TouchActivity bumps lastActivity, persists the metadata, and pushes the
// room's TTL timer out.
func (m *Manager) TouchActivity(ctx context.Context, id types.RoomID) error {
	m.mu.Lock()
	inst, ok := m.rooms[id]
	if !ok {
		m.mu.Unlock()
		return protocol.NewErrorf(protocol.CodeRoomNotFound, "room %s not found", id)
	}
	if t, ok := m.cleanupTimers[id]; ok {
		t.Stop()
	}
	m.cleanupTimers[id] = time.AfterFunc(m.cfg.DefaultTTL, func() { m.expireRoom(id) })
	m.mu.Unlock()

	meta := inst.patchMeta(func(meta *types.RoomMetadata) {
		meta.LastActivity = types.NowMillis()
	})
	return m.store.UpsertRoomMetadata(ctx, id, meta)
}

// UpdateRoomMetadata merges the patch into the room's record and persists it.
func (m *Manager) UpdateRoomMetadata(ctx context.Context, id types.RoomID, patch MetadataPatch) error {
	m.mu.Lock()
	inst, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return protocol.NewErrorf(protocol.CodeRoomNotFound, "room %s not found", id)
	}

	meta := inst.patchMeta(patch.apply)
	if patch.PlayerCount != nil {
		metrics.RoomPlayers.WithLabelValues(string(id)).Set(float64(*patch.PlayerCount))
	}
	return m.store.UpsertRoomMetadata(ctx, id, meta)
}

// StartCleanup launches the periodic storage scan that backstops the
// per-room timers, e.g. after a restart with a persistent backend.
func (m *Manager) StartCleanup() {
	m.mu.Lock()
	if m.scanStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.scanStop, m.scanDone = stop, done
	m.mu.Unlock()

	go m.cleanupLoop(stop, done)
}

func (m *Manager) StopCleanup() {
	m.mu.Lock()
	stop, done := m.scanStop, m.scanDone
	m.scanStop, m.scanDone = nil, nil
	m.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) cleanupLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepExpired(context.Background())
		}
	}
}

// sweepExpired deletes every room whose lastActivity fell behind the TTL,
// including storage rows with no catalog entry left behind by a crash.
func (m *Manager) sweepExpired(ctx context.Context) {
	threshold := types.NowMillis() - m.cfg.DefaultTTL.Milliseconds()
	ids, err := m.store.ListInactiveRoomIDs(ctx, threshold)
	if err != nil {
		logging.Error(ctx, "Cleanup scan failed", zap.Error(err))
		return
	}

	for _, id := range ids {
		m.mu.Lock()
		inst, live := m.rooms[id]
		m.mu.Unlock()

		if live {
			_ = inst.Sync.BroadcastClosed(ctx, "room expired due to inactivity")
			_ = m.deleteRoom(ctx, id, ReasonTTLScan)
			continue
		}
		if err := m.store.DeleteRoom(ctx, id); err != nil {
			logging.Error(ctx, "Failed to delete orphaned room",
				zap.String("roomId", string(id)), zap.Error(err))
		}
	}
}

// expireRoom fires when a room's one-shot TTL timer elapses. A concurrent
// DeleteRoom wins the race; the timer then finds nothing to do.
func (m *Manager) expireRoom(id types.RoomID) {
	ctx := context.Background()

	m.mu.Lock()
	inst, ok := m.rooms[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	logging.Info(ctx, "Room TTL expired", zap.String("roomId", string(id)))
	_ = inst.Sync.BroadcastClosed(ctx, "room expired due to inactivity")
	_ = m.deleteRoom(ctx, id, ReasonTTLTimer)
}

// handlePlayerRemoved is the GameHooks sink: the game removed a player on
// its own (disconnect grace expired), so the manager untracks them and
// refreshes the room record.
func (m *Manager) handlePlayerRemoved(id types.RoomID, playerID types.PlayerID) {
	ctx := context.Background()

	m.mu.Lock()
	inst, ok := m.rooms[id]
	if ok && m.playerRooms[playerID] == id {
		delete(m.playerRooms, playerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	inst.Sync.UnregisterPlayer(playerID)

	count := len(inst.Game.Players())
	if err := m.UpdateRoomMetadata(ctx, id, MetadataPatch{PlayerCount: &count}); err != nil {
		logging.Error(ctx, "Failed to update room after player removal",
			zap.String("roomId", string(id)), zap.Error(err))
	}
	if err := m.TouchActivity(ctx, id); err != nil {
		logging.Error(ctx, "Failed to touch room after player removal",
			zap.String("roomId", string(id)), zap.Error(err))
	}
}

// handleGameEnded marks a room ended once its game finishes. Activity is not
// touched; a finished room should still age out on its TTL.
func (m *Manager) handleGameEnded(id types.RoomID) {
	ctx := context.Background()

	ended := types.StatusEnded
	if err := m.UpdateRoomMetadata(ctx, id, MetadataPatch{Status: &ended}); err != nil {
		logging.Error(ctx, "Failed to mark room ended",
			zap.String("roomId", string(id)), zap.Error(err))
	}
}

// Shutdown stops the scan, cancels every timer, and clears the catalog.
// Storage stays open; its owner closes it. Rooms persisted in a durable
// backend survive for the next process.
func (m *Manager) Shutdown() {
	m.StopCleanup()

	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.rooms))
	for _, inst := range m.rooms {
		instances = append(instances, inst)
	}
	for id, t := range m.cleanupTimers {
		t.Stop()
		delete(m.cleanupTimers, id)
	}
	m.rooms = make(map[types.RoomID]*Instance)
	m.playerRooms = make(map[types.PlayerID]types.RoomID)
	m.mu.Unlock()

	for _, inst := range instances {
		inst.Sync.ClearSubscribers()
		metrics.ActiveRooms.Dec()
		metrics.RoomPlayers.DeleteLabelValues(string(inst.ID))
	}
}

// Stats is the aggregate snapshot behind the admin stats endpoint.
func (m *Manager) Stats() types.ServerStats {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.rooms))
	for _, inst := range m.rooms {
		instances = append(instances, inst)
	}
	totalPlayers := len(m.playerRooms)
	m.mu.Unlock()

	byStatus := make(map[types.RoomStatus]int)
	for _, inst := range instances {
		byStatus[inst.Metadata().Status]++
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return types.ServerStats{
		TotalRooms:    len(instances),
		TotalPlayers:  totalPlayers,
		RoomsByStatus: byStatus,
		UptimeMillis:  time.Since(m.startedAt).Milliseconds(),
		MemoryUsage:   ms.Alloc,
	}
}

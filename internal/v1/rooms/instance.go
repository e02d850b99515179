package rooms

import (
	"sync"

	"github.com/bonfire-party/bonfire/internal/v1/fanout"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// Instance is one live room: the game driving it, the synchronizer fanning
// its state out, and the metadata record the manager persists. Game state is
// serialized by the game's own lock; metadata has its own small one.
type Instance struct {
	ID   types.RoomID
	Game types.Game
	Sync *fanout.Synchronizer

	metaMu sync.Mutex
	meta   types.RoomMetadata
}

// Metadata returns a copy of the current metadata record.
func (i *Instance) Metadata() types.RoomMetadata {
	i.metaMu.Lock()
	defer i.metaMu.Unlock()
	return i.meta
}

// patchMeta applies fn under the metadata lock and returns the result, ready
// to persist without holding any lock.
func (i *Instance) patchMeta(fn func(*types.RoomMetadata)) types.RoomMetadata {
	i.metaMu.Lock()
	defer i.metaMu.Unlock()
	fn(&i.meta)
	return i.meta
}

// Info builds the admin listing view from metadata plus the game's static
// config and current host.
func (i *Instance) Info() types.RoomInfo {
	meta := i.Metadata()
	cfg := i.Game.Config()

	hostName := ""
	for _, p := range i.Game.Players() {
		if p.IsHost {
			hostName = p.Name
			break
		}
	}

	return types.RoomInfo{
		RoomID:      meta.RoomID,
		Status:      meta.Status,
		PlayerCount: meta.PlayerCount,
		MaxPlayers:  cfg.MaxPlayers,
		HostName:    hostName,
		GameType:    meta.GameType,
		CreatedAt:   meta.CreatedAt,
	}
}

// MetadataPatch is a partial metadata update; nil fields are left untouched.
type MetadataPatch struct {
	Status       *types.RoomStatus
	PlayerCount  *int
	LastActivity *int64
	HostPlayerID *types.PlayerID
}

func (p MetadataPatch) apply(meta *types.RoomMetadata) {
	if p.Status != nil {
		meta.Status = *p.Status
	}
	if p.PlayerCount != nil {
		meta.PlayerCount = *p.PlayerCount
	}
	if p.LastActivity != nil {
		meta.LastActivity = *p.LastActivity
	}
	if p.HostPlayerID != nil {
		meta.HostPlayerID = *p.HostPlayerID
	}
}

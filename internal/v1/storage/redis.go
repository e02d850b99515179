package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/bonfire-party/bonfire/internal/v1/metrics"
	"github.com/bonfire-party/bonfire/internal/v1/types"
)

const (
	redisBackend = "redis"

	// roomsIndexKey is the set of every room id with persisted records. It
	// backs ListAllRoomMetadata without a KEYS scan.
	roomsIndexKey = "bonfire:rooms"
)

func stateKey(roomID types.RoomID) string {
	return fmt.Sprintf("bonfire:room:%s:state", roomID)
}

func metaKey(roomID types.RoomID) string {
	return fmt.Sprintf("bonfire:room:%s:meta", roomID)
}

// Redis is the remote reference adapter. Room state and metadata are stored
// as JSON blobs; every command runs through a circuit breaker so a dead
// backend fails fast instead of stacking up blocked callers. Breaker-open is
// surfaced as a storage error, never silently dropped: the caller decides
// what a failed persist means.
type Redis struct {
	client      *redis.Client
	cb          *gobreaker.CircuitBreaker
	initialized atomic.Bool
}

// NewRedis creates the adapter without touching the network; Initialize
// performs the connectivity check.
func NewRedis(addr, password string) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	st := gobreaker.Settings{
		Name:        "redis-storage",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(redisBackend).Set(stateVal)
		},
	}

	return &Redis{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}
}

var _ types.Storage = (*Redis)(nil)

// Client exposes the underlying connection so other subsystems (the rate
// limiter store) can share it instead of dialing their own.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Initialize verifies connectivity with a PING.
func (r *Redis) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return opError("initialize", err)
	}
	r.initialized.Store(true)
	return nil
}

// Ping backs the readiness probe. It talks to the backend directly, outside
// the breaker, so the probe reports the backend's actual state.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// exec runs one storage operation through the breaker with latency and error
// accounting.
func (r *Redis) exec(op string, fn func() (any, error)) (any, error) {
	if !r.initialized.Load() {
		return nil, opError(op, ErrNotInitialized)
	}

	start := time.Now()
	res, err := r.cb.Execute(fn)
	metrics.StorageOpDuration.WithLabelValues(op, redisBackend).Observe(time.Since(start).Seconds())

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues(redisBackend).Inc()
		}
		metrics.StorageErrors.WithLabelValues(op, redisBackend).Inc()
		return nil, opError(op, err)
	}
	return res, nil
}

func (r *Redis) SaveGameState(ctx context.Context, roomID types.RoomID, state types.GameState) error {
	_, err := r.exec("save_game_state", func() (any, error) {
		data, err := json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("marshal game state: %w", err)
		}
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, stateKey(roomID), data, 0)
		pipe.SAdd(ctx, roomsIndexKey, string(roomID))
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) LoadGameState(ctx context.Context, roomID types.RoomID) (*types.GameState, error) {
	res, err := r.exec("load_game_state", func() (any, error) {
		data, err := r.client.Get(ctx, stateKey(roomID)).Bytes()
		if err == redis.Nil {
			return (*types.GameState)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		var state types.GameState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("unmarshal game state: %w", err)
		}
		// JSON round-trips drop empty slices to null; reconstruct so
		// state.Players is always a sequence on load.
		if state.Players == nil {
			state.Players = []types.Player{}
		}
		return &state, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.GameState), nil
}

func (r *Redis) DeleteRoom(ctx context.Context, roomID types.RoomID) error {
	_, err := r.exec("delete_room", func() (any, error) {
		pipe := r.client.TxPipeline()
		pipe.Del(ctx, stateKey(roomID), metaKey(roomID))
		pipe.SRem(ctx, roomsIndexKey, string(roomID))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) UpsertRoomMetadata(ctx context.Context, roomID types.RoomID, meta types.RoomMetadata) error {
	_, err := r.exec("upsert_room_metadata", func() (any, error) {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal room metadata: %w", err)
		}
		pipe := r.client.TxPipeline()
		pipe.Set(ctx, metaKey(roomID), data, 0)
		pipe.SAdd(ctx, roomsIndexKey, string(roomID))
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (r *Redis) GetRoomMetadata(ctx context.Context, roomID types.RoomID) (*types.RoomMetadata, error) {
	res, err := r.exec("get_room_metadata", func() (any, error) {
		data, err := r.client.Get(ctx, metaKey(roomID)).Bytes()
		if err == redis.Nil {
			return (*types.RoomMetadata)(nil), nil
		}
		if err != nil {
			return nil, err
		}
		var meta types.RoomMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal room metadata: %w", err)
		}
		return &meta, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*types.RoomMetadata), nil
}

func (r *Redis) ListAllRoomMetadata(ctx context.Context) ([]types.RoomMetadata, error) {
	res, err := r.exec("list_all_room_metadata", func() (any, error) {
		ids, err := r.client.SMembers(ctx, roomsIndexKey).Result()
		if err != nil {
			return nil, err
		}
		out := make([]types.RoomMetadata, 0, len(ids))
		for _, id := range ids {
			data, err := r.client.Get(ctx, metaKey(types.RoomID(id))).Bytes()
			if err == redis.Nil {
				continue // state persisted but metadata not yet written
			}
			if err != nil {
				return nil, err
			}
			var meta types.RoomMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, fmt.Errorf("unmarshal room metadata for %s: %w", id, err)
			}
			out = append(out, meta)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]types.RoomMetadata), nil
}

// ListInactiveRoomIDs fetches all metadata and filters; the room population
// is bounded by maxRooms so a scan stays cheap.
func (r *Redis) ListInactiveRoomIDs(ctx context.Context, olderThan int64) ([]types.RoomID, error) {
	metas, err := r.ListAllRoomMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.RoomID
	for _, meta := range metas {
		if meta.LastActivity < olderThan {
			out = append(out, meta.RoomID)
		}
	}
	return out, nil
}

func (r *Redis) RoomExists(ctx context.Context, roomID types.RoomID) (bool, error) {
	res, err := r.exec("room_exists", func() (any, error) {
		n, err := r.client.Exists(ctx, stateKey(roomID)).Result()
		if err != nil {
			return nil, err
		}
		return n > 0, nil
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Close releases the connection pool; subsequent operations fail with
// ErrNotInitialized.
func (r *Redis) Close() error {
	r.initialized.Store(false)
	return r.client.Close()
}

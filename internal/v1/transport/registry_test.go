package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonfire-party/bonfire/internal/v1/types"
)

func newRegisteredConn(r *Registry, id types.ConnectionID) (*Conn, *mockConn) {
	ws := newMockConn()
	c := newConn(id, ws)
	r.Add(c)
	go c.writePump()
	return c, ws
}

func drainOne(t *testing.T, ws *mockConn) []byte {
	t.Helper()
	select {
	case data := <-ws.out:
		return data
	default:
		return nil
	}
}

func TestRegistry_PublishRoom(t *testing.T) {
	r := NewRegistry()
	c1, ws1 := newRegisteredConn(r, "conn-1")
	c2, ws2 := newRegisteredConn(r, "conn-2")
	_, ws3 := newRegisteredConn(r, "conn-3")
	defer c1.Close()
	defer c2.Close()

	r.Subscribe("ROOM22", "conn-1")
	r.Subscribe("ROOM22", "conn-2")

	r.PublishRoom("ROOM22", []byte(`{"type":"state:update"}`))

	assert.Eventually(t, func() bool {
		return len(ws1.out) == 1 && len(ws2.out) == 1
	}, waitFor, tick)
	assert.Nil(t, drainOne(t, ws3), "unsubscribed connection receives nothing")

	// Cleanup the third conn too.
	c3, _ := r.Get("conn-3")
	c3.Close()
}

func TestRegistry_PublishConn(t *testing.T) {
	r := NewRegistry()
	c1, ws1 := newRegisteredConn(r, "conn-1")
	defer c1.Close()

	r.PublishConn("conn-1", []byte(`{}`))
	assert.Eventually(t, func() bool { return len(ws1.out) == 1 }, waitFor, tick)

	// Publishing to an unknown connection is a no-op.
	r.PublishConn("ghost", []byte(`{}`))
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	c1, _ := newRegisteredConn(r, "conn-1")
	defer c1.Close()

	r.Subscribe("ROOM22", "conn-1")
	r.Remove("conn-1")

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.roomConns("ROOM22"), "removal evicts group membership")
	_, ok := r.Get("conn-1")
	assert.False(t, ok)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := NewRegistry()
	c1, ws1 := newRegisteredConn(r, "conn-1")
	defer c1.Close()

	r.Subscribe("ROOM22", "conn-1")
	r.Unsubscribe("ROOM22", "conn-1")
	r.PublishRoom("ROOM22", []byte(`{}`))
	assert.Nil(t, drainOne(t, ws1))

	// Unsubscribing from an unknown room is fine.
	r.Unsubscribe("NOROOM", "conn-1")
}

func TestRegistry_ClearGroup(t *testing.T) {
	r := NewRegistry()
	c1, _ := newRegisteredConn(r, "conn-1")
	c2, _ := newRegisteredConn(r, "conn-2")
	defer c1.Close()
	defer c2.Close()

	r.Subscribe("ROOM22", "conn-1")
	r.Subscribe("ROOM22", "conn-2")
	r.ClearGroup("ROOM22")

	assert.Empty(t, r.roomConns("ROOM22"))
	// Connections themselves survive; only the fan-out group is gone.
	assert.Equal(t, 2, r.Count())
}

func TestConn_Binding(t *testing.T) {
	c := newConn("conn-1", newMockConn())
	defer c.Close()

	_, _, bound := c.Binding()
	require.False(t, bound)

	c.Bind("ROOM22", "p1")
	roomID, playerID, bound := c.Binding()
	require.True(t, bound)
	assert.Equal(t, types.RoomID("ROOM22"), roomID)
	assert.Equal(t, types.PlayerID("p1"), playerID)

	c.ClearBinding()
	_, _, bound = c.Binding()
	assert.False(t, bound)
}

func TestConn_SendAfterCloseIsSafe(t *testing.T) {
	c := newConn("conn-1", newMockConn())
	c.Close()
	c.Close() // idempotent

	// Must not panic.
	c.Send([]byte(`{}`))
	c.SendPriority([]byte(`{}`))
}

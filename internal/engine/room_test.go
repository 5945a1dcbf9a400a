package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func strptr(s string) *string { return &s }

func TestConnectionLifecycle(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	assert.Equal(t, StatusNew, conn.Status())

	conn.Enter("alice", "", nil)
	assert.Equal(t, StatusLobby, conn.Status())
	assert.Equal(t, []any{"alice", "", nil}, conn.EnterArgs())

	room.Join(conn)
	assert.Equal(t, StatusJoined, conn.Status())

	conn.Leave(nil)
	assert.Equal(t, StatusClosed, conn.Status())
}

func TestConnectionIDsUnique(t *testing.T) {
	room := NewRoom()
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id := room.CreateConnection().ID()
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestEnterEmitsConnectionJoin(t *testing.T) {
	room := NewRoom()
	var joined []*Connection
	room.Events.ConnectionJoin.Subscribe(func(c *Connection) {
		joined = append(joined, c)
	})

	conn := room.CreateConnection()
	conn.Enter()
	require.Len(t, joined, 1)
	assert.Same(t, conn, joined[0])
	assert.Len(t, room.LobbyConnections(), 1)
	assert.Len(t, room.JoinedConnections(), 0)
}

func TestJoinEmitsBothEvents(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	conn.Enter()

	var gotJoin, gotEnter bool
	conn.Events.Join.Subscribe(func(struct{}) { gotJoin = true })
	room.Events.ConnectionEnter.Subscribe(func(c *Connection) {
		gotEnter = true
		assert.Same(t, conn, c)
	})

	room.Join(conn)
	assert.True(t, gotJoin)
	assert.True(t, gotEnter)
	assert.Len(t, room.JoinedConnections(), 1)
	assert.Len(t, room.LobbyConnections(), 0)
}

func TestJoinFromHandlerObservedBeforeEnterReturns(t *testing.T) {
	// An auto-join controller promotes the connection from inside the
	// ConnectionJoin handler; the caller of Enter must see joined.
	room := NewRoom()
	room.Events.ConnectionJoin.Subscribe(func(c *Connection) {
		room.Join(c)
	})

	conn := room.CreateConnection()
	conn.Enter()
	assert.Equal(t, StatusJoined, conn.Status())
}

func TestJoinNotInLobbyIsNoop(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()

	var joins int
	conn.Events.Join.Subscribe(func(struct{}) { joins++ })

	room.Join(conn) // still StatusNew
	assert.Equal(t, 0, joins)

	conn.Enter()
	room.Join(conn)
	room.Join(conn) // second promote is a no-op
	assert.Equal(t, 1, joins)
}

func TestKickFromLobby(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	conn.Enter()

	var disc []DisconnectEvent
	conn.Events.Disconnect.Subscribe(func(ev DisconnectEvent) { disc = append(disc, ev) })
	var closed int
	room.Events.ConnectionClosed.Subscribe(func(*Connection) { closed++ })

	room.Kick(conn, "join rejected")
	require.Len(t, disc, 1)
	assert.False(t, disc[0].WasOnline)
	assert.Equal(t, "join rejected", disc[0].Reason)
	assert.Equal(t, 1, closed)
	assert.Equal(t, 0, room.ConnectionCount())
}

func TestKickJoinedReportsWasOnline(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	conn.Enter()
	room.Join(conn)

	var disc []DisconnectEvent
	conn.Events.Disconnect.Subscribe(func(ev DisconnectEvent) { disc = append(disc, ev) })

	room.Kick(conn, map[string]any{"type": "Kicked"})
	require.Len(t, disc, 1)
	assert.True(t, disc[0].WasOnline)
	assert.Equal(t, map[string]any{"type": "Kicked"}, disc[0].Reason)
}

func TestLeaveTwiceEmitsOnce(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	conn.Enter()

	var disc int
	conn.Events.Disconnect.Subscribe(func(DisconnectEvent) { disc++ })

	conn.Leave(nil)
	conn.Leave(nil)
	assert.Equal(t, 1, disc)
}

func TestMessageRequiresJoined(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()

	assert.ErrorIs(t, conn.Message("hi"), ErrNotJoined)

	conn.Enter()
	assert.ErrorIs(t, conn.Message("hi"), ErrNotJoined)

	room.Join(conn)
	var msgs []ConnectionMessageEvent
	room.Events.ConnectionMessage.Subscribe(func(ev ConnectionMessageEvent) { msgs = append(msgs, ev) })

	require.NoError(t, conn.Message("hi", int64(2)))
	require.Len(t, msgs, 1)
	assert.Same(t, conn, msgs[0].Conn)
	assert.Equal(t, []any{"hi", int64(2)}, msgs[0].Args)
}

func TestSendEventOnlyWhenJoined(t *testing.T) {
	room := NewRoom()
	conn := room.CreateConnection()
	conn.Enter()

	var events [][]any
	conn.Events.Event.Subscribe(func(args []any) { events = append(events, args) })

	conn.SendEvent("dropped")
	assert.Len(t, events, 0)

	room.Join(conn)
	conn.SendEvent("delivered", int64(1))
	require.Len(t, events, 1)
	assert.Equal(t, []any{"delivered", int64(1)}, events[0])
}

func TestPublicMessageChange(t *testing.T) {
	room := NewRoom()
	assert.Nil(t, room.PublicMessage())

	var changes []MessageChangeEvent
	room.Events.MessageChange.Subscribe(func(ev MessageChangeEvent) { changes = append(changes, ev) })

	room.SetPublicMessage(strptr("open"))
	room.SetPublicMessage(strptr("open")) // no change
	room.SetPublicMessage(nil)

	require.Len(t, changes, 2)
	assert.Equal(t, "open", *changes[0].New)
	assert.Nil(t, changes[0].Old)
	assert.Nil(t, changes[1].New)
	assert.Equal(t, "open", *changes[1].Old)
}

func TestDestroyClosesEveryone(t *testing.T) {
	room := NewRoom()
	lobby := room.CreateConnection()
	lobby.Enter()
	member := room.CreateConnection()
	member.Enter()
	room.Join(member)

	var reasons []any
	for _, c := range []*Connection{lobby, member} {
		c.Events.Disconnect.Subscribe(func(ev DisconnectEvent) { reasons = append(reasons, ev.Reason) })
	}
	var destroys int
	room.Events.Destroy.Subscribe(func(struct{}) { destroys++ })

	room.Destroy()
	room.Destroy()

	assert.Equal(t, []any{"room destroyed", "room destroyed"}, reasons)
	assert.Equal(t, 1, destroys)
	assert.True(t, room.Destroyed())
	assert.Equal(t, 0, room.ConnectionCount())
}

func TestEnterOnDestroyedRoomCloses(t *testing.T) {
	room := NewRoom()
	room.Destroy()

	conn := room.CreateConnection()
	var disc []DisconnectEvent
	conn.Events.Disconnect.Subscribe(func(ev DisconnectEvent) { disc = append(disc, ev) })

	conn.Enter()
	assert.Equal(t, StatusClosed, conn.Status())
	require.Len(t, disc, 1)
	assert.False(t, disc[0].WasOnline)
	assert.Equal(t, "room destroyed", disc[0].Reason)
}

func TestSetPublicMessageOnDestroyedRoomIsNoop(t *testing.T) {
	room := NewRoom()
	room.Destroy()

	var changes int
	room.Events.MessageChange.Subscribe(func(MessageChangeEvent) { changes++ })
	room.SetPublicMessage(strptr("late"))

	assert.Equal(t, 0, changes)
	assert.Nil(t, room.PublicMessage())
}

// Property-based tests

func TestPropertyCountMatchesLifecycle(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "connections")
		promote := rapid.IntRange(0, n).Draw(t, "promote")
		leave := rapid.IntRange(0, promote).Draw(t, "leave")

		room := NewRoom()
		conns := make([]*Connection, n)
		for i := range conns {
			conns[i] = room.CreateConnection()
			conns[i].Enter()
		}
		for i := 0; i < promote; i++ {
			room.Join(conns[i])
		}
		for i := 0; i < leave; i++ {
			conns[i].Leave(nil)
		}

		assert.Equal(t, n-leave, room.ConnectionCount())
		assert.Len(t, room.JoinedConnections(), promote-leave)
		assert.Len(t, room.LobbyConnections(), n-promote)
	})
}

package engine

import "errors"

// Status is a connection's position in the lobby, joined, closed
// lifecycle. A freshly created connection is in none of the three until
// Enter admits it to the lobby.
type Status int

const (
	// StatusNew is the state between CreateConnection and Enter.
	StatusNew Status = iota
	// StatusLobby means the engine accepted the connection but it has
	// not been promoted to full membership.
	StatusLobby
	// StatusJoined means the connection is a full room member.
	StatusJoined
	// StatusClosed is terminal.
	StatusClosed
)

// String returns the lifecycle name.
func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusLobby:
		return "lobby"
	case StatusJoined:
		return "joined"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotJoined is returned by Message on a connection that has not been
// promoted to joined.
var ErrNotJoined = errors.New("engine: connection is not joined")

// DisconnectEvent carries the terminal state of a connection. WasOnline
// is true when the connection had reached joined before closing. Reason
// is set by whichever side closed the connection and may be nil, a
// string, or a structured value.
type DisconnectEvent struct {
	WasOnline bool
	Reason    any
}

// ConnectionEvents is the per-connection event surface.
type ConnectionEvents struct {
	// Join fires once, when the room promotes the connection.
	Join Emitter[struct{}]
	// Disconnect fires once, on any terminal transition.
	Disconnect Emitter[DisconnectEvent]
	// Event fires for every tuple the room sends to this connection.
	Event Emitter[[]any]
}

// Connection is one client's membership handle in a room.
type Connection struct {
	id   int64
	room *Room

	// status and enterArgs are guarded by room.mu.
	status    Status
	enterArgs []any

	// Events is the connection's event surface. Subscriptions are owned
	// by the caller; the engine never disposes them.
	Events ConnectionEvents
}

// ID returns the connection id, unique within its room.
func (c *Connection) ID() int64 { return c.id }

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	return c.status
}

// Enter admits the connection to the room lobby with the given entry
// arguments. On a destroyed room the connection closes immediately
// instead, emitting Disconnect with the destruction reason.
func (c *Connection) Enter(args ...any) {
	c.room.enter(c, args)
}

// EnterArgs returns the arguments passed to Enter, or nil before Enter.
func (c *Connection) EnterArgs() []any {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	return c.enterArgs
}

// Message forwards a client tuple to the room.
//
// Postcondition: Returns ErrNotJoined unless the connection is joined;
// otherwise the room's ConnectionMessage event fires before return.
func (c *Connection) Message(args ...any) error {
	return c.room.sendMessage(c, args)
}

// SendEvent delivers an event tuple to this connection. Sending to a
// connection that is not joined is a no-op.
func (c *Connection) SendEvent(args ...any) {
	c.room.sendEvent(c, args)
}

// Leave closes the connection from the client side. reason may be nil.
// Leaving an already-closed connection is a no-op.
func (c *Connection) Leave(reason any) {
	c.room.close(c, reason)
}
